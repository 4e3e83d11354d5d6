package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"genjobs/internal/infra"
	"genjobs/internal/sqlinline"
)

const (
	ProviderMotion = "motion"
)

// Store persists provider credentials in integration_tokens. For the motion
// provider the token column holds the service password and properties carries
// the login email.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

type loginProperties struct {
	Email string `json:"email"`
}

// ProviderLogin returns the stored service login. Both values are empty when
// nothing has been stored.
func (s *Store) ProviderLogin(ctx context.Context) (string, string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, ProviderMotion)
	var (
		password string
		raw      []byte
	)
	if err := row.Scan(&password, &raw); err != nil {
		if infra.IsNoRows(err) {
			return "", "", nil
		}
		return "", "", err
	}
	var props loginProperties
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &props); err != nil {
			return "", "", err
		}
	}
	return strings.TrimSpace(props.Email), password, nil
}

func (s *Store) SetProviderLogin(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return errors.New("provider email is required")
	}
	if password == "" {
		return errors.New("provider password is required")
	}
	return s.upsert(ctx, ProviderMotion, password, map[string]any{"email": email})
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}
