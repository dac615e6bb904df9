package integration

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidahmann/weft/core/doctor"
	"github.com/davidahmann/weft/core/ident"
	"github.com/davidahmann/weft/core/sessionlog"
	"github.com/davidahmann/weft/internal/testutil"
)

// deployPlanNode and deployApplyNode are the two nodes of the deploy
// workflow the flows here pin; apply depends on plan and needs a human.
var (
	deployPlanNode  = ident.NewNodeID(filled(0x1A))
	deployApplyNode = ident.NewNodeID(filled(0x1B))

	// compiledDeploy is the compiler snapshot for that workflow.
	compiledDeploy = fmt.Sprintf(
		`{"v":1,"name":"deploy","nodes":[{"nodeId":%q},{"nodeId":%q,"dependsOn":[%q],"userOnly":true}]}`,
		deployPlanNode.String(), deployApplyNode.String(), deployPlanNode.String(),
	)
)

// filled returns a raw id with every byte set to b, so identifiers stay
// recognizable in failure dumps.
func filled(b byte) [ident.RawLen]byte {
	var raw [ident.RawLen]byte
	for i := range raw {
		raw[i] = b
	}
	return raw
}

func openStore(t *testing.T, root string, clock *testutil.Clock) *sessionlog.Store {
	t.Helper()
	store, err := sessionlog.Open(sessionlog.Options{
		Root:  root,
		Clock: clock,
		IDs:   &testutil.IDSource{},
	})
	require.NoError(t, err)
	return store
}

// payloadMap converts a typed durable payload into the plain map form
// Append validates.
func payloadMap(t *testing.T, payload any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func findCheck(t *testing.T, result doctor.Result, name string) doctor.Check {
	t.Helper()
	for _, check := range result.Checks {
		if check.Name == name {
			return check
		}
	}
	t.Fatalf("doctor result has no %q check: %#v", name, result.Checks)
	return doctor.Check{}
}
