package service

import (
	"strconv"
	"strings"

	"backoffice/backend/internal/domain"
)

// EffectiveScope resolves the branch scope a caller may read.
//
// Non-admin callers always get their assigned branch, whatever they asked
// for; the request is corrected, never rejected. Admins get what they asked
// for: "" or "ALL" for every branch, or a single positive branch id.
func EffectiveScope(caller domain.Caller, requested string) (domain.BranchScope, error) {
	if !caller.IsAdmin() {
		if caller.BranchID < 1 {
			return domain.BranchScope{}, ErrForbidden
		}
		return domain.SingleBranch(caller.BranchID), nil
	}

	requested = strings.TrimSpace(requested)
	if requested == "" || strings.EqualFold(requested, domain.ScopeAll) {
		return domain.AllBranches(), nil
	}
	id, err := strconv.ParseInt(requested, 10, 64)
	if err != nil || id < 1 {
		return domain.BranchScope{}, validationf("branch must be %q or a positive id", domain.ScopeAll)
	}
	return domain.SingleBranch(id), nil
}

// effectiveBranch is EffectiveScope for operations that need exactly one
// branch.
func effectiveBranch(caller domain.Caller, requested int64) (int64, error) {
	if !caller.IsAdmin() {
		if caller.BranchID < 1 {
			return 0, ErrForbidden
		}
		return caller.BranchID, nil
	}
	if requested < 1 {
		return 0, validationf("branch id must be positive")
	}
	return requested, nil
}

// authorizeClose guards writes. Staff cannot close; managers can close only
// their own branch. Unlike reads, a mismatched branch is rejected.
func authorizeClose(caller domain.Caller, branchID int64) error {
	switch caller.Role {
	case domain.RoleAdmin:
		return nil
	case domain.RoleManager:
		if caller.BranchID < 1 || caller.BranchID != branchID {
			return ErrForbidden
		}
		return nil
	default:
		return ErrForbidden
	}
}
