package compute

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/groundwork/pkg/engine"
)

// Host is one pre-provisioned machine in an inventory.
type Host struct {
	ID             string            `yaml:"id" validate:"required"`
	Name           string            `yaml:"name,omitempty"`
	Address        string            `yaml:"address" validate:"required,hostname_rfc1123|ip"`
	Port           int               `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	OSFamily       string            `yaml:"os_family,omitempty"`
	OSVersion      string            `yaml:"os_version,omitempty"`
	PackageManager string            `yaml:"package_manager,omitempty"`
	Labels         map[string]string `yaml:"labels,omitempty"`
}

// Inventory groups hosts by node class.
type Inventory struct {
	Groups map[string][]Host `yaml:"groups" validate:"required,dive,keys,required,endkeys,dive"`
}

// LoadInventory reads and validates a YAML inventory file.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	inv, err := ParseInventory(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return inv, nil
}

// ParseInventory parses and validates a YAML inventory.
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Validate checks field constraints and that host IDs are unique across groups.
func (inv *Inventory) Validate() error {
	if err := validator.New().Struct(inv); err != nil {
		return fmt.Errorf("invalid inventory: %w", err)
	}

	seen := make(map[string]string)
	for group, hosts := range inv.Groups {
		for _, h := range hosts {
			if prev, ok := seen[h.ID]; ok {
				return fmt.Errorf("invalid inventory: host %s listed in groups %s and %s", h.ID, prev, group)
			}
			seen[h.ID] = group
		}
	}
	return nil
}

// Static allocates targets from an inventory of existing machines.
// It is safe for concurrent use.
type Static struct {
	inventory *Inventory

	mu        sync.Mutex
	allocated map[string]bool
}

// NewStatic creates a static backend over inv.
func NewStatic(inv *Inventory) *Static {
	return &Static{
		inventory: inv,
		allocated: make(map[string]bool),
	}
}

// Name returns the provider name.
func (s *Static) Name() string {
	return "static"
}

// Groups returns the inventory group names in sorted order.
func (s *Static) Groups() []string {
	groups := make([]string, 0, len(s.inventory.Groups))
	for g := range s.inventory.Groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// Targets returns every host of group as a target, in inventory order.
func (s *Static) Targets(group string) ([]engine.Target, error) {
	hosts, ok := s.inventory.Groups[group]
	if !ok {
		return nil, engine.NewResolutionError(fmt.Sprintf("inventory group %q not found", group), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	targets := make([]engine.Target, len(hosts))
	for i, h := range hosts {
		targets[i] = h.target(group)
	}
	return targets, nil
}

// CreateNodes allocates count hosts of opts.Group that have not been handed out
// yet. When spec.OSFamily is set only hosts of that family, or hosts without a
// family, qualify. Nothing is allocated when fewer than count hosts are free.
func (s *Static) CreateNodes(ctx context.Context, spec engine.NodeSpec, user engine.User, count int, opts engine.CreateOptions) ([]engine.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hosts, ok := s.inventory.Groups[opts.Group]
	if !ok {
		return nil, fmt.Errorf("inventory group %q not found", opts.Group)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var picked []Host
	for _, h := range hosts {
		if len(picked) == count {
			break
		}
		if s.allocated[h.ID] {
			continue
		}
		if spec.OSFamily != "" && h.OSFamily != "" && NormalizeOSFamily(h.OSFamily) != NormalizeOSFamily(spec.OSFamily) {
			continue
		}
		picked = append(picked, h)
	}

	if len(picked) < count {
		return nil, engine.NewFault(
			fmt.Sprintf("group %s has %d free hosts, %d requested", opts.Group, len(picked), count), nil).
			WithCode(engine.ErrCodeNotEnoughNodes)
	}

	targets := make([]engine.Target, len(picked))
	for i, h := range picked {
		s.allocated[h.ID] = true
		targets[i] = h.target(opts.Group)
		if targets[i].OSFamily == "" {
			targets[i].OSFamily = NormalizeOSFamily(spec.OSFamily)
			targets[i].OSVersion = spec.OSVersion
		}
		if targets[i].PackageManager == "" {
			targets[i].PackageManager = spec.PackageManager
		}
		if targets[i].PackageManager == "" {
			targets[i].PackageManager = PackageManagerFor(targets[i].OSFamily)
		}
	}

	log.Info().
		Str("group", opts.Group).
		Int("allocated", len(targets)).
		Str("user", user.Username).
		Msg("allocated inventory hosts")

	return targets, nil
}

// Release returns hosts to the free pool.
func (s *Static) Release(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.allocated, id)
	}
}

func (h Host) target(group string) engine.Target {
	name := h.Name
	if name == "" {
		name = h.ID
	}
	pm := h.PackageManager
	if pm == "" {
		pm = PackageManagerFor(h.OSFamily)
	}
	return engine.Target{
		ID:             h.ID,
		Name:           name,
		Group:          group,
		Address:        h.Address,
		Port:           h.Port,
		OSFamily:       NormalizeOSFamily(h.OSFamily),
		OSVersion:      h.OSVersion,
		PackageManager: pm,
		Labels:         h.Labels,
	}
}
