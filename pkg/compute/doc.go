// Package compute provides the backends that create targets for the engine.
//
// Two backends implement engine.ComputeService:
//
//   - Static allocates hosts from a YAML inventory of machines that already exist.
//     It also lists inventory groups as lift targets.
//   - DigitalOcean creates droplets through the DigitalOcean API and waits until
//     each one is active with a public IPv4 address.
//
// Both report a provider name through Name, which the engine uses for metrics
// and logs.
package compute
