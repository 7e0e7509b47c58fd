package xid

import (
	"fmt"

	"github.com/google/uuid"
)

func New() string {
	return uuid.NewString()
}

// Receipt builds a human-readable receipt number for seeded sales.
func Receipt(branchID int64, saleID int64) string {
	return fmt.Sprintf("B%02d-%08d", branchID, saleID)
}
