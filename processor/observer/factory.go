package observer

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the observer component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "observer",
		Factory:     NewComponent,
		Schema:      observerSchema,
		Type:        "processor",
		Protocol:    "websocket",
		Domain:      "verification",
		Description: "Websocket fan-out of workflow change notifications",
		Version:     "0.1.0",
	})
}
