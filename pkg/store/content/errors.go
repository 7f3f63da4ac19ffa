package content

import "errors"

// ============================================================================
// Standard Content Store Errors
// ============================================================================

// Implementations wrap these with context:
//
//	return fmt.Errorf("claim %s: %w", id, content.ErrContentNotFound)
//
// The processing session maps ErrContentNotFound to flowerr.ClaimNotFound.
var (
	// ErrContentNotFound indicates the bytes of a claim do not exist, either
	// because the claim was never created or because it was already removed.
	ErrContentNotFound = errors.New("content not found")

	// ErrClaimBusy is returned by OpenWriter when another writer already
	// holds the claim. At most one writer per claim may be active.
	ErrClaimBusy = errors.New("claim is already open for writing")

	// ErrInvalidOffset indicates a negative offset or a range that starts
	// beyond the end of the content.
	ErrInvalidOffset = errors.New("invalid offset")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("content store is closed")
)
