package strategy

import (
	"context"
	"fmt"
	"math/rand"

	lru "github.com/hashicorp/golang-lru/v2"

	"vantagesec.com/mirage/internal/content"
	"vantagesec.com/mirage/pkg/dsl"
)

const (
	hexDigits     = "0123456789abcdef"
	decimalDigits = "0123456789"
	upperAlnum    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	mixedAlnum    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// tokenFormat describes one credential shape the minter can emit.
type tokenFormat struct {
	Label    string
	Prefix   string
	Alphabet string
	Length   int
	EnvVar   string
}

// tokenFormats are the credential shapes scanners actually hunt for.
var tokenFormats = []tokenFormat{
	{Label: "google_api", Prefix: "AIzaSy", Alphabet: mixedAlnum, Length: 26, EnvVar: "GOOGLE_API_KEY"},
	{Label: "github_pat", Prefix: "ghp_", Alphabet: hexDigits, Length: 36, EnvVar: "GITHUB_TOKEN"},
	{Label: "stripe_live", Prefix: "sk_live_", Alphabet: decimalDigits, Length: 24, EnvVar: "STRIPE_SECRET_KEY"},
	{Label: "aws_access", Prefix: "AKIA", Alphabet: upperAlnum, Length: 16, EnvVar: "AWS_ACCESS_KEY_ID"},
}

// TokenMinter produces unique-looking fake credentials. Uniqueness is
// enforced twice: an in-memory LRU for the hot path and the persistent
// ledger so tokens never repeat across restarts.
type TokenMinter struct {
	store  *content.Store
	recent *lru.Cache[string, struct{}]
	rng    *rand.Rand
}

// NewTokenMinter creates a minter backed by the given ledger.
func NewTokenMinter(store *content.Store, rng *rand.Rand) (*TokenMinter, error) {
	recent, err := lru.New[string, struct{}](512)
	if err != nil {
		return nil, fmt.Errorf("failed to create token cache: %w", err)
	}
	return &TokenMinter{store: store, recent: recent, rng: rng}, nil
}

// Mint produces a fresh token in a random format, retrying on the
// unlikely event of a collision with a previously emitted token.
func (m *TokenMinter) Mint(ctx context.Context) (token string, format tokenFormat, err error) {
	format = tokenFormats[m.rng.Intn(len(tokenFormats))]

	for attempt := 0; attempt < 5; attempt++ {
		token = m.render(format)

		if m.recent.Contains(token) {
			continue
		}
		seen, err := m.store.HoneytokenSeen(ctx, token)
		if err != nil {
			return "", format, err
		}
		if seen {
			continue
		}

		if err := m.store.RecordHoneytoken(ctx, token); err != nil {
			return "", format, err
		}
		m.recent.Add(token, struct{}{})
		return token, format, nil
	}

	return "", format, fmt.Errorf("could not mint a unique %s token", format.Label)
}

func (m *TokenMinter) render(f tokenFormat) string {
	buf := make([]byte, f.Length)
	for i := range buf {
		buf[i] = f.Alphabet[m.rng.Intn(len(f.Alphabet))]
	}
	return f.Prefix + string(buf)
}

// honeytoken builds a scene that plants a fresh fake credential in the
// persona's zone, dressed as routine configuration work.
func (s *Selector) honeytoken(ctx context.Context, p *dsl.Persona) (*dsl.Scene, error) {
	token, format, err := s.tokens.Mint(ctx)
	if err != nil {
		return nil, err
	}

	zone := defaultZone(p)
	var commands []string
	switch s.rng.Intn(3) {
	case 0:
		commands = []string{
			fmt.Sprintf("echo '%s=%s' >> .env", format.EnvVar, token),
			"cat .env",
		}
	case 1:
		commands = []string{
			fmt.Sprintf("echo 'export %s=%s' >> ~/.profile_backup", format.EnvVar, token),
			"ls -la ~",
		}
	default:
		commands = []string{
			fmt.Sprintf("printf '# staging credentials, rotate later\\n%s=%s\\n' >> config/secrets.ini", format.EnvVar, token),
			"git status",
		}
	}

	return &dsl.Scene{
		Name:     "Credential housekeeping",
		Category: dsl.CategoryVariant,
		Zone:     zone,
		Commands: commands,
	}, nil
}
