package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceAccount Resource = "accounts"
	ResourceProxy   Resource = "proxies"
	ResourceAction  Resource = "actions"
)

// RecordsKey is the hash holding every record of a resource, keyed by id.
// Format: accountforge:{namespace}:{resource}
func RecordsKey(namespace string, resource Resource) string {
	return fmt.Sprintf("accountforge:%s:%s", namespace, resource)
}

// ActionIndexKey is the sorted set of action ids for one account, scored by
// creation time. An empty accountID names the global index.
// Format: accountforge:{namespace}:actions:by_account:{accountID}
func ActionIndexKey(namespace, accountID string) string {
	if accountID == "" {
		return fmt.Sprintf("accountforge:%s:actions:index", namespace)
	}
	return fmt.Sprintf("accountforge:%s:actions:by_account:%s", namespace, accountID)
}
