package config

import (
	"fmt"
	"os"

	"github.com/newhackerman/tenbin2api/internal/json"
	"github.com/tailscale/hujson"
)

// AccountCredential is one upstream credential as stored on disk.
type AccountCredential struct {
	SessionID string `json:"session_id"`
}

// standardize tolerates comments and trailing commas in the JSON data
// files so hand-edited credential files keep loading.
func standardize(data []byte) ([]byte, error) {
	if json.Valid(data) {
		return data, nil
	}
	return hujson.Standardize(data)
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	std, err := standardize(data)
	if err != nil {
		return fmt.Errorf("standardize %s: %w", path, err)
	}
	if err := json.Unmarshal(std, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// LoadAccounts reads the upstream credential list. A missing file is
// returned as an empty list so the server can start and report the
// condition instead of dying.
func LoadAccounts(path string) ([]AccountCredential, error) {
	var creds []AccountCredential
	if err := readJSONFile(path, &creds); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := creds[:0]
	for _, c := range creds {
		if c.SessionID != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// LoadModels reads the public-name to upstream-id model map.
func LoadModels(path string) (map[string]string, error) {
	models := map[string]string{}
	if err := readJSONFile(path, &models); err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return models, nil
}

// LoadClientKeys reads the bearer keys clients may present.
func LoadClientKeys(path string) ([]string, error) {
	var keys []string
	if err := readJSONFile(path, &keys); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out, nil
}

// EnsureDataFiles creates placeholder data files on first run so a new
// deployment fails with readable errors instead of missing-file noise.
func EnsureDataFiles(cfg *Config) error {
	type seed struct {
		path    string
		content string
	}
	seeds := []seed{
		{cfg.AccountsFile, "[\n    {\n        \"session_id\": \"your_session_id_here\"\n    }\n]\n"},
		{cfg.ModelsFile, "{\n    \"claude-3.7-sonnet\": \"AnthropicClaude37Sonnet\",\n    \"claude-3.7-sonnet-extended\": \"AnthropicClaude37SonnetExtended\"\n}\n"},
		{cfg.ClientKeysFile, "[\n    \"sk-tenbin-change-me\"\n]\n"},
	}
	for _, s := range seeds {
		if _, err := os.Stat(s.path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return err
		}
		if err := os.WriteFile(s.path, []byte(s.content), 0o600); err != nil {
			return fmt.Errorf("seed %s: %w", s.path, err)
		}
	}
	return nil
}
