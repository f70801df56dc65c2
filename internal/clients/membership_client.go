// internal/clients/membership_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
)

// MembershipClient reads members from the membership service. It satisfies
// billing.MemberReader.
type MembershipClient struct {
	baseURL string
	http    *http.Client
}

func NewMembershipClient(baseURL string) *MembershipClient {
	return &MembershipClient{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *MembershipClient) GetMember(ctx context.Context, id uuid.UUID) (billing.Member, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/members/%s", c.baseURL, id), nil)
	if err != nil {
		return billing.Member{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return billing.Member{}, fmt.Errorf("membership service: %v: %w", err, billing.ErrUpstream)
	}
	defer resp.Body.Close()

	if err := statusError(resp, "member "+id.String()); err != nil {
		return billing.Member{}, err
	}

	var member billing.Member
	if err := json.NewDecoder(resp.Body).Decode(&member); err != nil {
		return billing.Member{}, fmt.Errorf("decode member %s: %v: %w", id, err, billing.ErrUpstream)
	}
	return member, nil
}

// statusError maps a non-2xx response onto the billing error kinds.
func statusError(resp *http.Response, what string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", what, billing.ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", what, billing.ErrConflict)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w", what, billing.ErrInvalidState)
	default:
		return fmt.Errorf("%s: unexpected status code %d: %w", what, resp.StatusCode, billing.ErrUpstream)
	}
}
