// Package projection rebuilds read models from recorded session events
// by pure replay: the latest context snapshot per run, and the
// effective autonomy and risk preferences for each workflow node after
// walking its ancestry. Identical sorted, acyclic input always yields
// identical output; nothing here touches the filesystem.
package projection

import (
	"fmt"

	"github.com/davidahmann/weft/core/canon"
	coreerrors "github.com/davidahmann/weft/core/errors"
	"github.com/davidahmann/weft/core/guardrail"
	"github.com/davidahmann/weft/core/ident"
	schemasession "github.com/davidahmann/weft/core/schema/v1/session"
	"github.com/davidahmann/weft/core/sessionlog"
)

// Preferences is the effective autonomy/risk pair for one node after
// ancestry resolution.
type Preferences struct {
	Autonomy   guardrail.Autonomy
	RiskPolicy guardrail.RiskPolicy
}

// ProjectRunContext folds events into the authoritative context per
// run: the latest context_set event wins whole, a snapshot rather than
// a delta. Events must arrive sorted by strictly increasing eventIndex;
// a violation is treated as corruption, not reordered.
func ProjectRunContext(events []schemasession.Event) (map[ident.RunID]canon.Value, error) {
	if err := validateOrder(events); err != nil {
		return nil, err
	}
	contexts := make(map[ident.RunID]canon.Value)
	for _, event := range events {
		if event.Kind != sessionlog.KindContextSet {
			continue
		}
		runID, err := ident.ParseRunID(event.Scope.RunID)
		if err != nil {
			return nil, corrupt(
				fmt.Errorf("event %d: context_set scope: %w", event.EventIndex, err),
				"projection_scope_invalid",
			)
		}
		value, err := canon.FromAny(event.Data)
		if err != nil {
			return nil, err
		}
		contexts[runID] = value
	}
	return contexts, nil
}

// ProjectPreferences folds preferences_changed events into the
// effective preferences per node. The latest patch recorded for a node
// replaces its earlier ones; the result for a node is the defaults with
// every ancestor patch applied root first, the node's own patch last.
// parentByNode maps child to parent; a node without an entry is a root.
// An ancestry cycle fails closed.
func ProjectPreferences(events []schemasession.Event, parentByNode map[ident.NodeID]ident.NodeID) (map[ident.NodeID]Preferences, error) {
	if err := validateOrder(events); err != nil {
		return nil, err
	}

	patches := make(map[ident.NodeID]schemasession.PreferencesPatch)
	for _, event := range events {
		if event.Kind != sessionlog.KindPreferencesChanged {
			continue
		}
		nodeID, err := ident.ParseNodeID(event.Scope.NodeID)
		if err != nil {
			return nil, corrupt(
				fmt.Errorf("event %d: preferences_changed scope: %w", event.EventIndex, err),
				"projection_scope_invalid",
			)
		}
		patch, err := patchFromEvent(event)
		if err != nil {
			return nil, err
		}
		patches[nodeID] = patch
	}

	nodes := make(map[ident.NodeID]bool, len(parentByNode)+len(patches))
	for child, parent := range parentByNode {
		nodes[child] = true
		nodes[parent] = true
	}
	for node := range patches {
		nodes[node] = true
	}

	effective := make(map[ident.NodeID]Preferences, len(nodes))
	for node := range nodes {
		chain, err := chainFor(node, parentByNode)
		if err != nil {
			return nil, err
		}
		prefs := Preferences{
			Autonomy:   guardrail.DefaultAutonomy,
			RiskPolicy: guardrail.DefaultRiskPolicy,
		}
		for _, ancestor := range chain {
			prefs = prefs.apply(patches[ancestor])
		}
		effective[node] = prefs
	}
	return effective, nil
}

func (p Preferences) apply(patch schemasession.PreferencesPatch) Preferences {
	if patch.Autonomy != "" {
		p.Autonomy = guardrail.Autonomy(patch.Autonomy)
	}
	if patch.RiskPolicy != "" {
		p.RiskPolicy = guardrail.RiskPolicy(patch.RiskPolicy)
	}
	return p
}

// chainFor walks node's ancestry and returns it root first, node last.
// A revisited ancestor means the parent map loops.
func chainFor(node ident.NodeID, parentByNode map[ident.NodeID]ident.NodeID) ([]ident.NodeID, error) {
	chain := []ident.NodeID{node}
	seen := map[ident.NodeID]bool{node: true}
	current := node
	for {
		parent, ok := parentByNode[current]
		if !ok {
			break
		}
		if seen[parent] {
			return nil, corrupt(
				fmt.Errorf("ancestry of node %s revisits %s", node, parent),
				"projection_ancestry_cycle",
			)
		}
		seen[parent] = true
		chain = append(chain, parent)
		current = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func patchFromEvent(event schemasession.Event) (schemasession.PreferencesPatch, error) {
	var patch schemasession.PreferencesPatch
	for key, value := range event.Data {
		text, isString := value.(string)
		switch {
		case key == "autonomy" && isString && guardrail.Autonomy(text).Valid():
			patch.Autonomy = text
		case key == "riskPolicy" && isString && guardrail.RiskPolicy(text).Valid():
			patch.RiskPolicy = text
		default:
			return schemasession.PreferencesPatch{}, corrupt(
				fmt.Errorf("event %d: preferences field %q = %v is not a declared override", event.EventIndex, key, value),
				"projection_patch_invalid",
			)
		}
	}
	if patch == (schemasession.PreferencesPatch{}) {
		return schemasession.PreferencesPatch{}, corrupt(
			fmt.Errorf("event %d: preferences patch is empty", event.EventIndex),
			"projection_patch_invalid",
		)
	}
	return patch, nil
}

func validateOrder(events []schemasession.Event) error {
	var last uint64
	for _, event := range events {
		if event.EventIndex <= last {
			return corrupt(
				fmt.Errorf("eventIndex %d after %d is not strictly increasing", event.EventIndex, last),
				"projection_order_invalid",
			)
		}
		last = event.EventIndex
	}
	return nil
}

func corrupt(cause error, code string) error {
	return coreerrors.Wrap(
		cause,
		coreerrors.CategoryCorruption,
		code,
		"replay only validated event history; projections refuse damaged input",
		false,
	)
}
