// Package util provides identifier and text helpers shared across CollectPipe components.
package util

import (
	"github.com/google/uuid"
)

// Prefixes for generated identifiers.
const (
	PrefixDebtor   = "dbt_"
	PrefixStrategy = "stg_"
	PrefixCampaign = "cmp_"
	PrefixDataset  = "dst_"
	PrefixJob      = "job_"
)

// NewID returns prefix followed by a random UUID.
func NewID(prefix string) string {
	return prefix + uuid.New().String()
}
