package subagent

import (
	"fmt"

	"github.com/relayforge/agentcore/pkg/apierr"
)

func errUnknownChild(childSessionID string) error {
	return apierr.New(apierr.CodeSessionNotFound, fmt.Sprintf("subagent: no tracked child %s", childSessionID))
}

func errTimeout(childSessionID string) error {
	return apierr.New(apierr.CodeSubagentTimeout, fmt.Sprintf("subagent: %s did not complete before the wait timeout", childSessionID))
}
