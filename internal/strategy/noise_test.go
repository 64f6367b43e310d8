package strategy

import (
	"math/rand"
	"testing"
)

// isSubsequence reports whether want appears in got, in order.
func isSubsequence(want, got []string) bool {
	j := 0
	for _, g := range got {
		if j < len(want) && g == want[j] {
			j++
		}
	}
	return j == len(want)
}

func TestInjector_OriginalCommandsSurviveInOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	inj := NewInjector(NoiseConfig{NavChance: 1, StatusChance: 0.5, TypoChance: 1}, rng)

	commands := []string{
		"git checkout -b fix/upload-timeout",
		"grep -rn timeout api/",
		"vim api/upload.go",
		"make test",
		"git commit -am 'bump upload timeout'",
	}

	for trial := 0; trial < 500; trial++ {
		out := inj.Apply(commands)
		if !isSubsequence(commands, out) {
			t.Fatalf("Trial %d: original commands not an ordered subsequence of %v", trial, out)
		}
	}
}

func TestInjector_AtMostOneTypoAlwaysCorrected(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	inj := NewInjector(NoiseConfig{NavChance: 0, StatusChance: 0, TypoChance: 1}, rng)

	commands := []string{"kubectl get pods", "docker compose up -d", "terraform plan"}

	for trial := 0; trial < 500; trial++ {
		out := inj.Apply(commands)

		known := map[string]bool{}
		for _, c := range commands {
			known[c] = true
		}

		typos := 0
		for i, c := range out {
			if known[c] {
				continue
			}
			typos++
			// The corrected form must immediately follow the typo.
			if i+1 >= len(out) || !known[out[i+1]] {
				t.Fatalf("Trial %d: typo %q not followed by its correction in %v", trial, c, out)
			}
		}
		if typos > 1 {
			t.Fatalf("Trial %d: %d typos injected, want at most 1", trial, typos)
		}
	}
}

func TestInjector_ZeroRatesArePassthrough(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	inj := NewInjector(NoiseConfig{}, rng)

	commands := []string{"ls", "pwd"}
	out := inj.Apply(commands)
	if len(out) != 2 || out[0] != "ls" || out[1] != "pwd" {
		t.Errorf("Expected passthrough, got %v", out)
	}
}

func TestInjector_EmptySceneUntouched(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	inj := NewInjector(DefaultNoiseConfig(), rng)

	if out := inj.Apply(nil); len(out) != 0 {
		t.Errorf("Expected empty output for empty scene, got %v", out)
	}
}

func TestMistype_ChangesFirstWordOnly(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	inj := NewInjector(DefaultNoiseConfig(), rng)

	for i := 0; i < 100; i++ {
		out := inj.mistype("kubectl get pods -n staging")
		if out == "kubectl get pods -n staging" {
			continue
		}
		fields := splitFirst(out)
		if fields[1] != "get pods -n staging" {
			t.Fatalf("Arguments were corrupted: %q", out)
		}
	}

	// Too short to mistype safely.
	if got := inj.mistype("ls"); got != "ls" {
		t.Errorf("Short command was corrupted: %q", got)
	}
}

func splitFirst(s string) [2]string {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return [2]string{s[:i], s[i+1:]}
		}
	}
	return [2]string{s, ""}
}
