package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vantagesec.com/mirage/internal/content"
	"vantagesec.com/mirage/pkg/dsl"
)

// builtinVulnTemplates seed the vulnerability strategy when the pool is
// empty. Each introduces a realistic but inert weakness scoped to the
// persona's zone; nothing here touches paths outside it.
var builtinVulnTemplates = []string{
	"chmod -R 777 {{zone}}/uploads",
	"openssl genrsa -out {{zone}}/certs/server.key 1024",
	"echo 'DEBUG=true' >> {{zone}}/.env",
	"echo 'admin:admin123' > {{zone}}/config/test_credentials.txt",
	"sed -i 's/ssl_verify: true/ssl_verify: false/' {{zone}}/config/app.yaml",
	"echo 'bind_address: 0.0.0.0' >> {{zone}}/config/dev_server.yaml",
}

// vulnerability builds a scene that plants one deliberate weakness,
// drawn from the generated pool when it has entries and the builtin
// templates otherwise.
func (s *Selector) vulnerability(ctx context.Context, p *dsl.Persona) (*dsl.Scene, error) {
	zone := defaultZone(p)

	body, err := s.store.RandomAsset(ctx, content.AssetVuln)
	if errors.Is(err, content.ErrEmptyPool) {
		body = builtinVulnTemplates[s.rng.Intn(len(builtinVulnTemplates))]
	} else if err != nil {
		return nil, err
	}

	command := strings.ReplaceAll(body, "{{zone}}", zone)
	if err := validateVulnCommand(command, zone); err != nil {
		return nil, err
	}

	return &dsl.Scene{
		Name:     "Config shortcut",
		Category: dsl.CategoryVariant,
		Zone:     zone,
		Commands: []string{
			"ls -la",
			command,
			"git status",
		},
	}, nil
}

// forbiddenVulnFragments are never allowed in a planted weakness, pool
// content included. The pool comes from a collaborator, so the allow
// decision happens here, not at generation time.
var forbiddenVulnFragments = []string{
	"rm -rf /",
	"mkfs",
	"shutdown",
	"reboot",
	"dd if=/dev/zero",
	":(){",
	"/etc/passwd",
	"/etc/shadow",
	"curl ",
	"wget ",
	"nc ",
}

func validateVulnCommand(command, zone string) error {
	lower := strings.ToLower(command)
	for _, frag := range forbiddenVulnFragments {
		if strings.Contains(lower, frag) {
			return fmt.Errorf("vulnerability command rejected, contains %q", strings.TrimSpace(frag))
		}
	}
	// Absolute paths in the command must stay inside the zone or the
	// usual safe prefixes.
	for _, field := range strings.Fields(command) {
		field = strings.Trim(field, "'\"")
		if !strings.HasPrefix(field, "/") {
			continue
		}
		if strings.HasPrefix(field, zone) || strings.HasPrefix(field, "/tmp/") ||
			strings.HasPrefix(field, "/dev/null") {
			continue
		}
		return fmt.Errorf("vulnerability command rejected, path %q escapes zone", field)
	}
	return nil
}
