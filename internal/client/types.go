// Package client stores the tenant-scoped client records the decision
// pipelines iterate. The CRM proper owns richer client management; the
// engine only needs loosely-typed records it can extract features from.
package client

import (
	"time"

	"github.com/google/uuid"
)

// Client is one raw client record. Data holds the imported attributes as a
// loose JSON object (spreadsheet imports arrive with arbitrary columns);
// the feature extractor canonicalizes it at evaluation time.
type Client struct {
	ID        uuid.UUID              `json:"id"`
	TenantID  uuid.UUID              `json:"tenant_id"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}
