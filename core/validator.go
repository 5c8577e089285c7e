package core

import (
	"fmt"
	"strings"

	"github.com/trace-network/gtrace/core/types"
)

// The validator is the gate between the HTTP surface and the mempool. It is
// pure: it reads a batch's history (chain order, then mempool order) and the
// candidate transaction, and returns the first violated rule.

// actionPredecessor maps each workflow action to the step that must already
// exist for the batch. registered has no predecessor.
var actionPredecessor = map[string]string{
	types.ActionRegistered:     "",
	types.ActionQualityChecked: types.ActionRegistered,
	types.ActionShipped:        types.ActionQualityChecked,
	types.ActionReceived:       types.ActionShipped,
	types.ActionStored:         types.ActionReceived,
	types.ActionDelivered:      types.ActionStored,
	types.ActionReceivedRetail: types.ActionDelivered,
	types.ActionSold:           types.ActionReceivedRetail,
}

// actionRole maps each action to the actor-identity prefix allowed to
// perform it. Role binding is by case-insensitive prefix match, a convention
// baked into the protocol.
var actionRole = map[string]string{
	types.ActionRegistered:     "supplier",
	types.ActionQualityChecked: "supplier",
	types.ActionShipped:        "supplier",
	types.ActionReceived:       "distributor",
	types.ActionStored:         "distributor",
	types.ActionDelivered:      "distributor",
	types.ActionReceivedRetail: "retailer",
	types.ActionSold:           "retailer",
}

// groupActions lists, per role, the actions that must all be performed by the
// same actor while that role owns the batch. This stops one distributor from
// stealing another's in-flight shipment.
var groupActions = map[string]map[string]bool{
	"supplier": {
		types.ActionRegistered:     true,
		types.ActionQualityChecked: true,
		types.ActionShipped:        true,
	},
	"distributor": {
		types.ActionReceived:  true,
		types.ActionStored:    true,
		types.ActionDelivered: true,
	},
	"retailer": {
		types.ActionReceivedRetail: true,
		types.ActionSold:           true,
	},
}

func actorRole(actor string) string {
	lowered := strings.ToLower(actor)
	for _, role := range []string{"supplier", "distributor", "retailer", "admin"} {
		if strings.HasPrefix(lowered, role) {
			return role
		}
	}
	return ""
}

// validateOrder enforces the eight-step sequence: the action's predecessor
// must appear among the batch's prior actions (chain then mempool) and the
// action itself must not.
func validateOrder(chainActions, pendingActions []string, tx *types.Transaction) error {
	predecessor, known := actionPredecessor[tx.Action]
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownAction, tx.Action)
	}
	for _, a := range chainActions {
		if a == tx.Action {
			return fmt.Errorf("%w: %q for batch %s", ErrDuplicateAction, tx.Action, tx.BatchID)
		}
	}
	for _, a := range pendingActions {
		if a == tx.Action {
			return fmt.Errorf("%w: %q for batch %s", ErrPendingAction, tx.Action, tx.BatchID)
		}
	}
	if predecessor == "" {
		return nil
	}
	for _, a := range chainActions {
		if a == predecessor {
			return nil
		}
	}
	for _, a := range pendingActions {
		if a == predecessor {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot perform %q without first completing %q", ErrMissingPredecessor, tx.Action, predecessor)
}

// validatePermissions enforces role, same-actor-within-group ownership, and
// the shipped→received / delivered→received_retail pairings. history is the
// batch's on-chain transactions in order.
func validatePermissions(history []*types.Transaction, tx *types.Transaction) error {
	expectedRole, known := actionRole[tx.Action]
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownAction, tx.Action)
	}
	if tx.Action == types.ActionRegistered {
		if actorRole(tx.Actor) != "supplier" {
			return fmt.Errorf("%w: only suppliers can register batches, have %q", ErrWrongRole, tx.Actor)
		}
		return nil
	}
	if len(history) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownBatch, tx.BatchID)
	}

	lastActor := history[len(history)-1].Actor
	ownerRole := actorRole(lastActor)
	if ownerRole == "" {
		return fmt.Errorf("%w: previous actor %q", ErrUnknownOwner, lastActor)
	}
	if !strings.HasPrefix(strings.ToLower(tx.Actor), expectedRole) {
		return fmt.Errorf("%w: %q is not a valid %s for action %q", ErrWrongRole, tx.Actor, expectedRole, tx.Action)
	}
	if groupActions[ownerRole][tx.Action] && tx.Actor != lastActor {
		return fmt.Errorf("%w: %q cannot perform %q, current owner is %q", ErrOwnershipViolation, tx.Actor, tx.Action, lastActor)
	}

	switch tx.Action {
	case types.ActionReceived:
		return validateHandover(history, tx, types.ActionShipped)
	case types.ActionReceivedRetail:
		return validateHandover(history, tx, types.ActionDelivered)
	}
	return nil
}

// validateHandover checks a receipt against the prior handover transaction:
// the receiver must match the handover's metadata.to (when present) and the
// receipt's metadata.from must match the actor who performed the handover.
func validateHandover(history []*types.Transaction, tx *types.Transaction, handoverAction string) error {
	var handover *types.Transaction
	for _, prior := range history {
		if prior.Action == handoverAction {
			handover = prior
			break
		}
	}
	if handover == nil {
		return fmt.Errorf("%w: cannot perform %q without first completing %q", ErrMissingPredecessor, tx.Action, handoverAction)
	}
	if to, ok := handover.MetadataString("to"); ok && tx.Actor != to {
		return fmt.Errorf("%w: handover was sent to %q but %q is trying to receive it", ErrRecipientMismatch, to, tx.Actor)
	}
	if from, ok := tx.MetadataString("from"); ok && from != handover.Actor {
		return fmt.Errorf("%w: handover came from %q but receipt says %q", ErrSenderMismatch, handover.Actor, from)
	}
	return nil
}
