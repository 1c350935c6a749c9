package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/sessions"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoleStore implements sessions.RoleDirectory using GORM.
type RoleStore struct {
	db *gorm.DB
}

// NewRoleStore returns a RoleStore backed by gorm.DB.
func NewRoleStore(db *gorm.DB) *RoleStore {
	return &RoleStore{db: db}
}

// HasRole reports whether userID holds role.
func (store *RoleStore) HasRole(ctx context.Context, userID ledger.UserID, role sessions.Role) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&UserRole{}).
		Where("user_id = ? AND role = ?", userID.String(), string(role)).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectRole, errorCodeLookup, err)
	}
	return count > 0, nil
}

// Roles lists every role held by userID.
func (store *RoleStore) Roles(ctx context.Context, userID ledger.UserID) ([]sessions.Role, error) {
	var rows []UserRole
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("role ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRole, errorCodeList, err)
	}
	roles := make([]sessions.Role, 0, len(rows))
	for _, row := range rows {
		role, err := sessions.ParseRole(row.Role)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRole, errorCodeInvalid, err)
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// GrantRole adds role to userID. Granting a held role is a no-op.
func (store *RoleStore) GrantRole(ctx context.Context, userID ledger.UserID, role sessions.Role) error {
	model := UserRole{UserID: userID.String(), Role: string(role), CreatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectRole, errorCodeCreate, err)
	}
	return nil
}
