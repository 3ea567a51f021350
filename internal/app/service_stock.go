package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"printflow/api/internal/metrics"
	"printflow/api/internal/rbac"
	"printflow/api/internal/store"
)

const movementHistoryLimit = 100

func (s *Service) requireStock(session Session) error {
	if !rbac.CanUseStock(rbac.Normalize(session.Role), session.StockAccess) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func (s *Service) ListMaterials(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.requireStock(session); err != nil {
		return nil, err
	}
	materials, err := s.store.ListMaterials(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(materials))
	for _, material := range materials {
		items = append(items, materialPayload(material))
	}
	return map[string]any{"materials": items}, nil
}

func (s *Service) CreateMaterial(ctx context.Context, session Session, name, unit string) (map[string]any, error) {
	if err := s.requireStock(session); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("name is required")
	}
	unit = strings.TrimSpace(unit)
	if unit == "" {
		unit = "un"
	}
	material, err := s.store.CreateMaterial(ctx, name, unit)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domainError(http.StatusConflict, "MATERIAL_EXISTS", "Material already exists", map[string]any{"name": name})
		}
		return nil, err
	}
	s.committed(metrics.KindMaterial)
	return map[string]any{"material": materialPayload(material)}, nil
}

// RecordMovement adds a signed quantity to a material's balance. Positive
// quantities are receipts, negative ones are consumption.
func (s *Service) RecordMovement(ctx context.Context, session Session, materialID int64, quantity float64, note string) (map[string]any, error) {
	if err := s.requireStock(session); err != nil {
		return nil, err
	}
	if quantity == 0 {
		return nil, validationError("quantity must not be zero")
	}
	movement, err := s.store.RecordMovement(ctx, store.MaterialMovement{
		MaterialID: materialID,
		Quantity:   quantity,
		Note:       strings.TrimSpace(note),
		CreatedBy:  session.Username,
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			return nil, domainError(http.StatusUnprocessableEntity, "INSUFFICIENT_STOCK", "Not enough stock for this movement", map[string]any{"materialId": materialID})
		}
		return nil, err
	}
	s.committed(metrics.KindMaterial)
	return map[string]any{"movement": movementPayload(movement)}, nil
}

func (s *Service) ListMovements(ctx context.Context, session Session, materialID int64) (map[string]any, error) {
	if err := s.requireStock(session); err != nil {
		return nil, err
	}
	material, err := s.store.GetMaterial(ctx, materialID)
	if err != nil {
		return nil, err
	}
	movements, err := s.store.ListMovements(ctx, materialID, movementHistoryLimit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(movements))
	for _, movement := range movements {
		items = append(items, movementPayload(movement))
	}
	return map[string]any{"material": materialPayload(material), "movements": items}, nil
}

func materialPayload(material store.Material) map[string]any {
	return map[string]any{
		"id":        material.ID,
		"name":      material.Name,
		"unit":      material.Unit,
		"balance":   material.Balance,
		"createdAt": material.CreatedAt,
	}
}

func movementPayload(movement store.MaterialMovement) map[string]any {
	return map[string]any{
		"id":           movement.ID,
		"materialId":   movement.MaterialID,
		"quantity":     movement.Quantity,
		"balanceAfter": movement.BalanceAfter,
		"note":         movement.Note,
		"createdBy":    movement.CreatedBy,
		"createdAt":    movement.CreatedAt,
	}
}
