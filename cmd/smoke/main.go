// Command smoke drives one full activation against a running API: it creates a
// whitelist entry, issues a credential, previews it, fails once on the
// identifier, completes, and checks the credential cannot be replayed.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"passage.org/internal/auth"
	"passage.org/internal/config"
	"passage.org/internal/ids"
	"passage.org/internal/obs"
)

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) call(ctx context.Context, method, path string, admin bool, in any, out any) (int, error) {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", "smoke")
	if admin {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func expect(step string, got, want int, err error) {
	if err != nil {
		obs.Logger().Fatal().Err(err).Str("step", step).Msg("smoke failed")
	}
	if got != want {
		obs.Logger().Fatal().Str("step", step).Int("status", got).Int("want", want).Msg("smoke failed")
	}
}

func main() {
	base := pflag.String("base-url", "http://localhost:8080", "API base URL")
	timeout := pflag.Duration("timeout", 30*time.Second, "overall deadline")
	pflag.Parse()

	secret := os.Getenv(config.EnvSessionSecret)
	if len(secret) < 32 {
		obs.Logger().Fatal().Msgf("%s must hold the API session secret", config.EnvSessionSecret)
	}
	issuer, err := auth.NewIssuer([]byte(secret), auth.WithTTL(5*time.Minute))
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("issuer")
	}
	tok, err := issuer.GenerateToken("smoke-admin", []string{auth.RoleAdmin})
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("admin token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := &client{base: strings.TrimRight(*base, "/"), token: tok.Value, http: &http.Client{Timeout: 10 * time.Second}}

	identifier := "smoke-" + strings.ToLower(ids.New()) + "@passage.local"
	var entry struct {
		ID string `json:"id"`
	}
	status, err := c.call(ctx, http.MethodPost, "/v1/admin/whitelist", true, map[string]any{
		"identifier":      identifier,
		"identifier_kind": "email",
		"role":            auth.RoleEncargado,
		"display_name":    "Smoke Test",
	}, &entry)
	expect("create_entry", status, http.StatusCreated, err)

	var issued struct {
		Secret     string `json:"secret"`
		Credential struct {
			ID string `json:"id"`
		} `json:"credential"`
	}
	status, err = c.call(ctx, http.MethodPost, "/v1/admin/whitelist/"+entry.ID+"/credentials", true, map[string]any{"expires_in_hours": 1}, &issued)
	expect("issue", status, http.StatusCreated, err)

	status, err = c.call(ctx, http.MethodPost, "/v1/public/activation/preview", false, map[string]any{"secret": issued.Secret}, nil)
	expect("preview", status, http.StatusOK, err)

	complete := func(id string) map[string]any {
		return map[string]any{
			"secret":                  issued.Secret,
			"identifier":              id,
			"new_secret":              "SmokePass2025",
			"new_secret_confirmation": "SmokePass2025",
		}
	}
	status, err = c.call(ctx, http.MethodPost, "/v1/public/activation/complete", false, complete("someone-else@passage.local"), nil)
	expect("complete_mismatch", status, http.StatusUnauthorized, err)

	var res struct {
		Account struct {
			ID string `json:"id"`
		} `json:"account"`
	}
	status, err = c.call(ctx, http.MethodPost, "/v1/public/activation/complete", false, complete(identifier), &res)
	expect("complete", status, http.StatusOK, err)

	status, err = c.call(ctx, http.MethodPost, "/v1/public/activation/complete", false, complete(identifier), nil)
	expect("complete_replay", status, http.StatusForbidden, err)

	fmt.Printf("activation smoke test passed: entry=%s credential=%s account=%s\n", entry.ID, issued.Credential.ID, res.Account.ID)
}
