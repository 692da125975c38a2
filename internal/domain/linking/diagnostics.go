package linking

import (
	"context"
	"log"
)

// CredentialReport is the diagnostic view of one provider's server-held credentials.
type CredentialReport struct {
	Provider    Provider          `json:"provider"`
	Valid       bool              `json:"valid"`
	Message     string            `json:"message"`
	Endpoint    string            `json:"endpoint"`
	Credentials map[string]string `json:"credentials"`
}

// Diagnostics validates provider credentials. It never touches session or account state.
type Diagnostics struct {
	registry *Registry
}

// NewDiagnostics creates a new diagnostics service
func NewDiagnostics(registry *Registry) *Diagnostics {
	return &Diagnostics{registry: registry}
}

// Check validates one provider's credentials. ConfigurationError is returned
// as an error; provider-side rejections and outages are reported as invalid.
func (d *Diagnostics) Check(ctx context.Context, provider Provider) (*CredentialReport, error) {
	v, err := d.registry.Validator(provider)
	if err != nil {
		return nil, err
	}

	report := &CredentialReport{Provider: provider, Credentials: v.MaskedCredentials()}
	check, err := v.ValidateCredentials(ctx)
	if err != nil {
		if KindOf(err) == KindConfiguration {
			return nil, err
		}
		log.Printf("Diagnostics: %s credential check failed: %v", provider, err)
		report.Valid = false
		report.Message = SafeMessage(err)
		return report, nil
	}

	report.Valid = check.Valid
	report.Message = check.Message
	report.Endpoint = check.Endpoint
	return report, nil
}

// CheckAll validates every registered provider.
func (d *Diagnostics) CheckAll(ctx context.Context) map[Provider]error {
	out := make(map[Provider]error)
	for _, p := range d.registry.Providers() {
		report, err := d.Check(ctx, p)
		switch {
		case err != nil:
			out[p] = err
		case !report.Valid:
			out[p] = &Error{Kind: KindInvalidCredential, Provider: p, Message: report.Message}
		default:
			out[p] = nil
		}
	}
	return out
}
