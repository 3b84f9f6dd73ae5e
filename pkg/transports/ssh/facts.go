package ssh

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/groundwork/pkg/engine"
)

// factsCommand prints os-release followed by the architecture and hostname
// as KEY=value lines.
const factsCommand = `cat /etc/os-release 2>/dev/null || cat /usr/lib/os-release 2>/dev/null; ` +
	`echo "ARCH=$(uname -m)"; echo "HOSTNAME=$(hostname)"`

// Facts describes a target as reported by the target itself.
type Facts struct {
	// OSFamily is the os-release ID, e.g. "ubuntu" or "rocky".
	OSFamily string `json:"os_family"`

	// OSVersion is the os-release VERSION_ID.
	OSVersion string `json:"os_version"`

	// Name is the os-release NAME.
	Name string `json:"name"`

	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
}

// GatherFacts connects to the target and reads its operating system facts.
func (e *ActionExecutor) GatherFacts(ctx context.Context, target engine.Target, user engine.User) (Facts, error) {
	transport, err := e.transportFor(ctx, target, user)
	if err != nil {
		return Facts{}, fmt.Errorf("failed to connect to %s: %w", target.ID, err)
	}

	res, err := transport.Run(ctx, factsCommand, RunOptions{})
	if err != nil {
		return Facts{}, fmt.Errorf("failed to gather facts from %s: %w", target.ID, err)
	}
	return ParseFacts(res.Stdout), nil
}

// ParseFacts parses KEY=value lines in os-release format.
func ParseFacts(output string) Facts {
	var facts Facts
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)

		switch key {
		case "ID":
			facts.OSFamily = strings.ToLower(value)
		case "VERSION_ID":
			facts.OSVersion = value
		case "NAME":
			facts.Name = value
		case "ARCH":
			facts.Arch = value
		case "HOSTNAME":
			facts.Hostname = value
		}
	}
	return facts
}
