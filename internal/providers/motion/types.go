package motion

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"genjobs/internal/domain"
)

// Session is the result of a successful credential exchange. ExpiresAt is zero
// when the provider did not disclose a lifetime.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// SubmitRequest is the provider submission payload.
type SubmitRequest struct {
	SourceReference string                  `json:"sourceReference"`
	Params          domain.GenerationParams `json:"params"`
}

// JobStatus is the loosely structured provider status answer. Malformed is set
// when the body was not an object with a string status.
type JobStatus struct {
	Status    string
	Result    string
	Error     string
	Malformed bool
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	User  struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
	ExpiresIn int64  `json:"expires_in"`
	ExpiresAt string `json:"expires_at"`
}

// expiry picks the token lifetime from the response, falling back to the exp
// claim when the token is a JWT.
func (r loginResponse) expiry(now time.Time) time.Time {
	if r.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, r.ExpiresAt); err == nil {
			return t
		}
	}
	if r.ExpiresIn > 0 {
		return now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return jwtExpiry(r.Token)
}

// jwtExpiry reads the exp claim without verifying the signature; it is only
// used to schedule a refresh.
func jwtExpiry(token string) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp <= 0 {
		return time.Time{}
	}
	return time.Unix(claims.Exp, 0)
}

type submitResponse struct {
	ExternalID string `json:"externalId"`
	ID         string `json:"id"`
	JobID      string `json:"jobId"`
}

func (r submitResponse) id() string {
	for _, v := range []string{r.ExternalID, r.JobID, r.ID} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (e errorResponse) message() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// decodeStatus tolerates any body shape and never fails.
func decodeStatus(raw []byte) *JobStatus {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return &JobStatus{Malformed: true}
	}
	status, ok := body["status"].(string)
	if !ok {
		return &JobStatus{Malformed: true}
	}
	return &JobStatus{
		Status: strings.TrimSpace(status),
		Result: stringOrField(body["result"], "url"),
		Error:  firstNonEmpty(stringOrField(body["error"], "message"), stringOrField(body["message"], "")),
	}
}

func stringOrField(v any, field string) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		if field == "" {
			return ""
		}
		if s, ok := t[field].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
