package review

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the review coordinator component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "review",
		Factory:     NewComponent,
		Schema:      reviewSchema,
		Type:        "processor",
		Protocol:    "http",
		Domain:      "verification",
		Description: "Operator surface for reviewing and deciding high-risk workflows",
		Version:     "0.1.0",
	})
}
