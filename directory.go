package main

import (
	"context"

	"github.com/example/consentvault/internal/consent"
)

// directory exposes users and partners from the DB to the consent engine.
type directory struct {
	db DB
}

func (d directory) GetUser(ctx context.Context, id string) (*consent.User, error) {
	u, err := d.db.GetUserByID(ctx, id)
	if err != nil || u == nil {
		return nil, err
	}
	return &consent.User{ID: u.ID, Email: u.Email, Active: u.Active}, nil
}

func (d directory) FindUserByEmail(ctx context.Context, email string) (*consent.User, error) {
	u, err := d.db.GetUserByEmail(ctx, email)
	if err != nil || u == nil {
		return nil, err
	}
	return &consent.User{ID: u.ID, Email: u.Email, Active: u.Active}, nil
}

func (d directory) GetPartnerByOwnerUserID(ctx context.Context, ownerUserID string) (*consent.Partner, error) {
	p, err := d.db.GetPartnerByOwner(ctx, ownerUserID)
	if err != nil || p == nil {
		return nil, err
	}
	return &consent.Partner{ID: p.ID, OwnerUserID: p.OwnerUserID, Status: string(p.Status)}, nil
}
