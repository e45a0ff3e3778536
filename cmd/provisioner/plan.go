package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"fixtureforge/internal/fixtures"
	"fixtureforge/internal/fixtures/models"
	"fixtureforge/internal/fixtures/registry"
)

// Plan is the JSON shape CI jobs feed the provisioner.
type Plan struct {
	Identities []PlanIdentity `json:"identities"`
	Groups     []PlanGroup    `json:"groups"`
}

type PlanIdentity struct {
	Key         string `json:"key"`
	Base        string `json:"base"`
	DisplayName string `json:"displayName"`
	External    bool   `json:"external"`
}

type PlanGroup struct {
	Key     string       `json:"key"`
	Name    string       `json:"name"`
	Owner   string       `json:"owner"`
	Members []PlanMember `json:"members"`
}

type PlanMember struct {
	Key  string `json:"key"`
	Role string `json:"role"`
}

// LoadPlan reads and decodes a plan file.
func LoadPlan(path string) (Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return Plan{}, fmt.Errorf("decode plan %s: %w", path, err)
	}
	return plan, nil
}

// Apply defines every plan entry on the session, then provisions identities
// followed by groups.
func (p Plan) Apply(ctx context.Context, session *fixtures.Session) error {
	for _, ident := range p.Identities {
		if ident.External {
			session.DefineExternalIdentity(ident.Key, ident.Base, ident.DisplayName)
			continue
		}
		session.DefineIdentity(ident.Key, ident.Base, ident.DisplayName)
	}
	for _, grp := range p.Groups {
		members := make([]registry.Member, 0, len(grp.Members))
		for _, m := range grp.Members {
			members = append(members, registry.Member{Key: m.Key, Role: models.Role(m.Role)})
		}
		if _, err := session.DefineGroup(grp.Key, grp.Name, grp.Owner, members); err != nil {
			return err
		}
	}

	if err := session.CreateIdentities(ctx); err != nil {
		return err
	}
	return session.CreateGroups(ctx)
}
