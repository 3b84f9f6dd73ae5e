package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds the CUE definitions configurations are unified with.
// Values are only unifiable within one cue.Context, so the registry owns the
// context every configuration is compiled in.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in run schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(builtinRunSchema); err != nil {
		panic(fmt.Sprintf("built-in schema does not compile: %v", err))
	}
	return sr
}

// Context returns the CUE context schemas were compiled in.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles CUE source and registers every definition it declares.
func (sr *SchemaRegistry) RegisterSchema(source string) error {
	val := sr.ctx.CompileString(source, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to list definitions: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for iter.Next() {
		if iter.Selector().IsDefinition() {
			sr.schemas[iter.Selector().String()] = iter.Value()
		}
	}
	return nil
}

// GetSchema retrieves a definition such as "#RunConfig".
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named definition and requires the result to be concrete.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against the named definition.
func (sr *SchemaRegistry) ValidateAgainstSchema(name string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(name, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns the registered definition names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinRunSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Target: {
	id:               string & !=""
	address:          string & !=""
	name?:            string
	group?:           string
	port?:            int & >0 & <65536
	os_family?:       string
	os_version?:      string
	package_manager?: string
	labels?: {[string]: string}
}

#User: {
	username:          string & !=""
	private_key_path?: string
	public_key_path?:  string
	password?:         string
	sudo_password?:    string
	no_sudo?:          bool
}

#SSH: {
	port?:                     int & >0 & <65536
	known_hosts_path?:         string
	strict_host_key_checking?: bool
	connection_timeout?:       #Duration
	command_timeout?:          #Duration
	keep_alive_interval?:      #Duration
	proxy?: {
		host:              string & !=""
		port?:             int & >0 & <65536
		user:              string & !=""
		private_key_path?: string
	}
}

#NodeSpec: {
	image?:           string
	size?:            string
	region?:          string
	os_family?:       string
	os_version?:      string
	package_manager?: string
	tags?: [...string]
}

#Compute: {
	provider?: "static" | "digitalocean"
	node?:     #NodeSpec
	digitalocean?: {
		token?: string
		ssh_key_fingerprints?: [...string]
		vpc_uuid?:        string
		poll_interval?:   #Duration
		timeout?:         #Duration
		keep_on_failure?: bool
	}
}

#RunConfig: {
	name: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"
	spec: string & !=""
	phases?: [...string & =~"^[A-Za-z0-9][A-Za-z0-9_-]*$"]
	targets?: [...#Target]
	inventory?: {
		path:  string & !=""
		group: string & !=""
	}
	user?:    #User
	ssh?:     #SSH
	compute?: #Compute
	store?: {
		path?: string
	}
	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error"
		format?: "console" | "json"
	}
	dry_run?: bool
}
`
