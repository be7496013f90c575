package gateway

import (
	"fmt"

	"execution-core/pkg/broker/common"
	"execution-core/pkg/broker/paper"
	"execution-core/pkg/broker/restapi"
)

// Broker modes accepted by NewClient.
const (
	ModePaper = "paper"
	ModeREST  = "rest"
)

// NewClient creates the broker client for mode.
func NewClient(mode string, rest restapi.Config) (common.Client, error) {
	switch mode {
	case ModePaper, "":
		return paper.New(), nil
	case ModeREST:
		if rest.BaseURL == "" {
			return nil, fmt.Errorf("broker mode %q requires BROKER_BASE_URL", mode)
		}
		return restapi.NewClient(rest), nil
	default:
		return nil, fmt.Errorf("unsupported broker mode: %s", mode)
	}
}
