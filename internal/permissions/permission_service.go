package permissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/khanghh/meshauth/internal/audit"
	"github.com/khanghh/meshauth/model"
	"gorm.io/gorm"
)

// PermissionSet is the requested grant of one resource.
type PermissionSet struct {
	Resource     Resource `json:"resource"`
	CanRead      bool     `json:"canRead"`
	CanWrite     bool     `json:"canWrite"`
	CanViewOnMap bool     `json:"canViewOnMap"`
}

// ValidatePermissionSets rejects unknown resources and channel grants with
// write but no read. It is applied where grants enter the system, the service
// methods trust their input.
func ValidatePermissionSets(sets []PermissionSet) error {
	for _, set := range sets {
		if !set.Resource.IsValid() {
			return fmt.Errorf("%w: %q", ErrInvalidResource, set.Resource)
		}
		if set.Resource.IsChannel() && set.CanWrite && !set.CanRead {
			return fmt.Errorf("%w: %s", ErrWriteWithoutRead, set.Resource)
		}
	}
	return nil
}

// DefaultPermissions returns the grants seeded for a new user.
func DefaultPermissions(userID uint, isAdmin bool, grantedBy *uint) []model.Permission {
	now := time.Now()
	perms := make([]model.Permission, 0, len(AllResources))
	for _, res := range AllResources {
		perm := model.Permission{
			UserID:    userID,
			Resource:  string(res),
			GrantedAt: now,
			GrantedBy: grantedBy,
		}
		if isAdmin {
			perm.CanRead = true
			perm.CanWrite = true
			perm.CanViewOnMap = res.IsChannel()
		} else if !sensitiveResources[res] {
			perm.CanRead = true
		}
		perms = append(perms, perm)
	}
	return perms
}

type PermissionService struct {
	permRepo PermissionRepository
	audit    *audit.Logger
}

func allowed(perm *model.Permission, resource Resource, action Action) bool {
	switch action {
	case ActionRead:
		return perm.CanRead
	case ActionWrite:
		return perm.CanWrite
	case ActionViewOnMap:
		return resource.IsChannel() && perm.CanViewOnMap
	}
	return false
}

func (s *PermissionService) checkUser(ctx context.Context, user *model.User, resource Resource, action Action) (bool, error) {
	if user.IsAdmin {
		return true, nil
	}
	perm, err := s.permRepo.Get(ctx, user.ID, resource)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return allowed(perm, resource, action), nil
}

// Check reports whether userID may perform action on resource. Admins pass
// every check, everybody else is denied unless a grant says otherwise.
// Account state is not considered here, inactive callers never get past
// request authentication.
func (s *PermissionService) Check(ctx context.Context, userID uint, resource Resource, action Action) (bool, error) {
	user, err := s.permRepo.GetUser(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.checkUser(ctx, user, resource, action)
}

func (s *PermissionService) GetUserPermissions(ctx context.Context, userID uint) ([]model.Permission, error) {
	return s.permRepo.FindByUser(ctx, userID)
}

// GrantDefaultPermissions seeds the default grants, overwriting existing rows
// for the same resources.
func (s *PermissionService) GrantDefaultPermissions(ctx context.Context, userID uint, isAdmin bool, grantedBy *uint) error {
	return s.permRepo.Upsert(ctx, DefaultPermissions(userID, isAdmin, grantedBy))
}

// UpdateUserPermissions upserts the given grants in one statement.
// viewOnMap is cleared for resources that are not channels.
func (s *PermissionService) UpdateUserPermissions(ctx context.Context, userID uint, sets []PermissionSet, grantedBy *uint) error {
	now := time.Now()
	perms := make([]model.Permission, 0, len(sets))
	for _, set := range sets {
		perms = append(perms, model.Permission{
			UserID:       userID,
			Resource:     string(set.Resource),
			CanRead:      set.CanRead,
			CanWrite:     set.CanWrite,
			CanViewOnMap: set.Resource.IsChannel() && set.CanViewOnMap,
			GrantedAt:    now,
			GrantedBy:    grantedBy,
		})
	}
	if err := s.permRepo.Upsert(ctx, perms); err != nil {
		return err
	}
	s.audit.Log(ctx, audit.Event{
		UserID:   grantedBy,
		Action:   audit.ActionPermissionsUpdated,
		Resource: "permission",
		Details:  map[string]any{"targetUserId": userID, "permissions": sets},
	})
	return nil
}

func (s *PermissionService) Revoke(ctx context.Context, userID uint, resource Resource, revokedBy *uint) error {
	deleted, err := s.permRepo.Delete(ctx, userID, resource)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.audit.Log(ctx, audit.Event{
			UserID:   revokedBy,
			Action:   audit.ActionPermissionsRevoked,
			Resource: string(resource),
			Details:  map[string]any{"targetUserId": userID},
		})
	}
	return nil
}

func (s *PermissionService) RevokeAll(ctx context.Context, userID uint, revokedBy *uint) error {
	deleted, err := s.permRepo.DeleteByUser(ctx, userID)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.audit.Log(ctx, audit.Event{
			UserID:   revokedBy,
			Action:   audit.ActionPermissionsRevoked,
			Resource: "permission",
			Details:  map[string]any{"targetUserId": userID, "count": deleted},
		})
	}
	return nil
}

// WithTx returns a service whose writes join tx.
func (s *PermissionService) WithTx(tx *gorm.DB) *PermissionService {
	return NewPermissionService(s.permRepo.WithTx(tx), s.audit)
}

func NewPermissionService(permRepo PermissionRepository, auditLogger *audit.Logger) *PermissionService {
	return &PermissionService{
		permRepo: permRepo,
		audit:    auditLogger,
	}
}
