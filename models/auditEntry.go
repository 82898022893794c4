package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/utils"
	"gorm.io/gorm"
)

// AuditEntry records every state mutation in the ledger, ownership store and
// conflict resolver: who, what, before/after. Written inside the same
// transaction as the mutation it describes; never updated or deleted.
type AuditEntry struct {
	ID            int       `gorm:"primary_key" json:"id"`
	TableName     string    `gorm:"size:64;not null;index" json:"table_name"`
	Operation     string    `gorm:"size:10;not null" json:"operation"`
	Before        string    `gorm:"type:text" json:"before"`
	After         string    `gorm:"type:text" json:"after"`
	Description   string    `gorm:"type:text" json:"description"`
	ReferenceID   int       `gorm:"index" json:"reference_id"`
	ActorId       int       `gorm:"index;not null" json:"actor_id"`
	ActorName     string    `gorm:"size:100" json:"actor_name"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (e *AuditEntry) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("audit entries cannot be updated")
}

func (e *AuditEntry) BeforeDelete(tx *gorm.DB) error {
	return errors.New("audit entries cannot be deleted")
}

func createAudit(tx *gorm.DB,
	operation string,
	referenceId int,
	tableName string,
	before interface{},
	after interface{},
	description string) (err error) {

	var entry AuditEntry

	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)

	ctx := tx.Statement.Context
	// actor attribution comes from the request context
	actorId, ok := utils.GetActorIdFromContext(ctx)
	if !ok {
		return errors.New("actor id is required")
	}
	actorName, ok := utils.GetActorNameFromContext(ctx)
	if !ok {
		return errors.New("actor name is required")
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	entry.TableName = tableName
	entry.Operation = operation
	entry.Before = string(b)
	entry.After = string(a)
	entry.Description = description
	entry.ReferenceID = referenceId
	entry.ActorId = actorId
	entry.ActorName = actorName
	entry.CorrelationId = correlationId

	err = tx.Create(&entry).Error
	return err
}

func SaveAuditCreate(tx *gorm.DB, tableName string, id int, obj interface{}, description string) error {
	return createAudit(tx, "CREATE", id, tableName, nil, obj, description)
}

func SaveAuditUpdate(tx *gorm.DB, tableName string, id int, before interface{}, after interface{}, description string) error {
	return createAudit(tx, "UPDATE", id, tableName, before, after, description)
}

func GetAuditEntries(ctx context.Context, tableName *string, referenceId *int, actorId *int, from *time.Time, to *time.Time) ([]*AuditEntry, error) {

	db := config.GetDB()
	var results []*AuditEntry

	dbCtx := db.WithContext(ctx).Model(&AuditEntry{})
	if tableName != nil && *tableName != "" {
		dbCtx = dbCtx.Where("table_name = ?", *tableName)
	}
	if referenceId != nil && *referenceId > 0 {
		dbCtx = dbCtx.Where("reference_id = ?", *referenceId)
	}
	if actorId != nil && *actorId > 0 {
		dbCtx = dbCtx.Where("actor_id = ?", *actorId)
	}
	if from != nil {
		dbCtx = dbCtx.Where("created_at >= ?", *from)
	}
	if to != nil {
		dbCtx = dbCtx.Where("created_at < ?", *to)
	}
	if err := dbCtx.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

type AuditEntriesConnection struct {
	Edges    []*AuditEntriesEdge `json:"edges"`
	PageInfo *PageInfo           `json:"pageInfo"`
}

type AuditEntriesEdge Edge[AuditEntry]

func (e AuditEntry) GetId() int {
	return e.ID
}

func (e AuditEntry) GetCursor() string {
	return e.CreatedAt.String()
}

func PaginateAuditEntries(ctx context.Context, limit *int, after *string, tableName *string, referenceId *int, actorId *int) (*AuditEntriesConnection, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&AuditEntry{})
	if tableName != nil && *tableName != "" {
		dbCtx = dbCtx.Where("table_name = ?", *tableName)
	}
	if referenceId != nil && *referenceId > 0 {
		dbCtx = dbCtx.Where("reference_id = ?", *referenceId)
	}
	if actorId != nil && *actorId > 0 {
		dbCtx = dbCtx.Where("actor_id = ?", *actorId)
	}

	edges, pageInfo, err := FetchPageCompositeCursor[AuditEntry](dbCtx, *limit, after, "created_at", "<")
	if err != nil {
		return nil, err
	}
	var connection AuditEntriesConnection
	connection.PageInfo = pageInfo
	for _, edge := range edges {
		auditEdge := AuditEntriesEdge(edge)
		connection.Edges = append(connection.Edges, &auditEdge)
	}

	return &connection, err
}
