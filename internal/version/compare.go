package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CheckSchemaCompatibility checks whether a strategy document's schema
// version can be evaluated by this engine. Returns nil if compatible, an
// error with details if not.
//
// Compatibility Rules:
//   - If either version is "main" (development build), the check is skipped
//   - Major versions must match exactly
//   - Minor versions must match exactly
//   - Patch versions can differ (e.g., 1.2.0 is compatible with 1.2.5)
func CheckSchemaCompatibility(engineSchema, strategySchema string) error {
	engineSchema = strings.TrimPrefix(engineSchema, "v")
	strategySchema = strings.TrimPrefix(strategySchema, "v")

	// Skip the check for "main" (development builds)
	if engineSchema == "main" || strategySchema == "main" {
		return nil
	}

	engineSemver, err := semver.NewVersion(engineSchema)
	if err != nil {
		return fmt.Errorf("invalid engine schema version '%s': %w", engineSchema, err)
	}

	strategySemver, err := semver.NewVersion(strategySchema)
	if err != nil {
		return fmt.Errorf("invalid strategy schema version '%s': %w", strategySchema, err)
	}

	if engineSemver.Major() != strategySemver.Major() {
		return fmt.Errorf("major schema version mismatch: engine understands %d.x.x but strategy declares %d.x.x",
			engineSemver.Major(), strategySemver.Major())
	}

	if engineSemver.Minor() != strategySemver.Minor() {
		return fmt.Errorf("minor schema version mismatch: engine understands %d.%d.x but strategy declares %d.%d.x",
			engineSemver.Major(), engineSemver.Minor(),
			strategySemver.Major(), strategySemver.Minor())
	}

	// Patch versions can differ, so we're compatible
	return nil
}
