package gorm

import (
	"context"

	"github.com/3rs4lg4d0/eventbox/evbx"
)

// UnitOfWork saves the tracked entities with the transaction present in the
// context and exposes them to the commit processor.
type UnitOfWork struct {
	repository *Repository
	entities   []any
}

var _ evbx.UnitOfWork = (*UnitOfWork)(nil)

// Track starts a unit of work for the given entities (pointers to gorm models).
func (r *Repository) Track(entities ...any) *UnitOfWork {
	return &UnitOfWork{repository: r, entities: entities}
}

// Add tracks more entities.
func (u *UnitOfWork) Add(entities ...any) *UnitOfWork {
	u.entities = append(u.entities, entities...)
	return u
}

func (u *UnitOfWork) Entities() []any {
	return u.entities
}

func (u *UnitOfWork) Apply(ctx context.Context) error {
	tx, err := u.repository.tx(ctx)
	if err != nil {
		return err
	}
	for _, e := range u.entities {
		if err := tx.Save(e).Error; err != nil {
			return err
		}
	}
	return nil
}
