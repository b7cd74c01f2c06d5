package statedb

import "time"

// PushSubscription is a browser's web push endpoint and its encryption keys.
type PushSubscription struct {
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
}

// SavePushSubscription inserts or replaces a subscription keyed by endpoint.
func (s *StateDB) SavePushSubscription(sub *PushSubscription) error {
	created := sub.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO push_subscriptions (endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?)
	`, sub.Endpoint, sub.P256dh, sub.Auth, created.Unix())
	return err
}

// DeletePushSubscription removes a subscription. Deleting an unknown endpoint is not an error.
func (s *StateDB) DeletePushSubscription(endpoint string) error {
	_, err := s.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	return err
}

// ListPushSubscriptions returns all subscriptions, oldest first.
func (s *StateDB) ListPushSubscriptions() ([]*PushSubscription, error) {
	rows, err := s.db.Query(`
		SELECT endpoint, p256dh, auth, created_at
		FROM push_subscriptions ORDER BY created_at, endpoint
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PushSubscription
	for rows.Next() {
		sub := &PushSubscription{}
		var createdUnix int64
		if err := rows.Scan(&sub.Endpoint, &sub.P256dh, &sub.Auth, &createdUnix); err != nil {
			return nil, err
		}
		sub.CreatedAt = time.Unix(createdUnix, 0)
		result = append(result, sub)
	}
	return result, rows.Err()
}
