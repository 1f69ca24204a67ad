// Package setup is the entrypoint surface for the interactive setup wizard,
// the OS service installer, and the self-upgrade downloader. These are
// external-interface collaborators; nothing in cmd/aether-agent calls them,
// and the wizard/installer/downloader behavior itself is not implemented:
// every entrypoint returns an error.
package setup

import "fmt"

// Run starts the interactive setup wizard that writes a config file from
// prompted answers. Not implemented.
func Run() error {
	return fmt.Errorf("setup: interactive wizard not implemented, write a config file by hand")
}

// Service is the OS service installer/controller (systemd on Linux, a
// Windows service, or a launchd agent depending on platform). Not
// implemented.
type Service struct {
	Name string
}

// NewService returns a Service bound to the given service name.
func NewService(name string) *Service {
	return &Service{Name: name}
}

// Install registers the agent as an OS-managed service. Not implemented.
func (s *Service) Install() error {
	return fmt.Errorf("setup: service installation not implemented for %q", s.Name)
}

// Start starts the installed OS service. Not implemented.
func (s *Service) Start() error {
	return fmt.Errorf("setup: service start not implemented for %q", s.Name)
}

// Stop stops the installed OS service. Not implemented.
func (s *Service) Stop() error {
	return fmt.Errorf("setup: service stop not implemented for %q", s.Name)
}

// Status reports the installed OS service's run state. Not implemented.
func (s *Service) Status() (string, error) {
	return "", fmt.Errorf("setup: service status not implemented for %q", s.Name)
}

// Uninstall removes the OS-managed service registration. Not implemented.
func (s *Service) Uninstall() error {
	return fmt.Errorf("setup: service uninstall not implemented for %q", s.Name)
}

// Upgrade downloads and installs a newer agent build in place. Not
// implemented.
func Upgrade(channel string) error {
	return fmt.Errorf("setup: self-upgrade not implemented (channel %q)", channel)
}
