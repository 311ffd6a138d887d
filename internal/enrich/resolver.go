package enrich

import (
	"context"
	"fmt"
	"log/slog"

	"ccloud-cost/pkg/errors"
	"ccloud-cost/pkg/model"
)

// DimensionStore is the slice of the store the resolver needs. Every
// upsert is an atomic insert-if-absent-else-update-and-fetch, safe under
// concurrent resolution of the same identifier.
type DimensionStore interface {
	UpsertOrg(ctx context.Context, org *model.Organization) (*model.Organization, error)
	UpsertEnv(ctx context.Context, env *model.Environment) (*model.Environment, error)
	UpsertCluster(ctx context.Context, cluster *model.Cluster) (*model.Cluster, error)
	UpsertPrincipal(ctx context.Context, principal *model.Principal) (*model.Principal, error)
}

// ResolvedDimensions carries the canonical IDs a fact will reference.
// Env, Cluster and Principal are empty when the record does not resolve
// to them.
type ResolvedDimensions struct {
	OrgID       string
	EnvID       string
	ClusterID   string
	PrincipalID string
}

// Resolver maps external entity identifiers to canonical dimension rows,
// creating them on first sight and freshening display names on
// subsequent observations.
type Resolver struct {
	store  DimensionStore
	logger *slog.Logger
}

func NewResolver(store DimensionStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve resolves every dimension a raw record references. A missing or
// unresolvable parent rejects the whole record with a dimension
// resolution error; the caller counts it as failed and does not retry it
// within the run.
func (r *Resolver) Resolve(ctx context.Context, rec *model.RawBillingRecord) (ResolvedDimensions, error) {
	var out ResolvedDimensions

	if rec.OrganizationID == "" {
		return out, errors.NewDimensionResolutionError("record has no organization identifier", rec.ResourceID)
	}

	org, err := r.store.UpsertOrg(ctx, &model.Organization{
		ID:   rec.OrganizationID,
		Name: nameOrID(rec.OrganizationName, rec.OrganizationID),
	})
	if err != nil {
		return out, storeErr("resolve organization", rec, err)
	}
	out.OrgID = org.ID

	if rec.EnvironmentID != "" {
		env, err := r.store.UpsertEnv(ctx, &model.Environment{
			ID:    rec.EnvironmentID,
			OrgID: org.ID,
			Name:  nameOrID(rec.EnvironmentName, rec.EnvironmentID),
		})
		if err != nil {
			return out, storeErr("resolve environment", rec, err)
		}
		if env.OrgID != org.ID {
			return out, errors.NewDimensionResolutionError(
				fmt.Sprintf("environment %s belongs to organization %s, record claims %s", env.ID, env.OrgID, org.ID),
				rec.ResourceID)
		}
		out.EnvID = env.ID
	}

	if rec.ResourceID != "" {
		// A cluster needs a resolvable environment as well as the org.
		if out.EnvID == "" {
			return out, errors.NewDimensionResolutionError(
				fmt.Sprintf("cluster %s has no resolvable environment", rec.ResourceID), rec.ResourceID)
		}
		cluster, err := r.store.UpsertCluster(ctx, &model.Cluster{
			ID:    rec.ResourceID,
			OrgID: org.ID,
			EnvID: out.EnvID,
			Name:  nameOrID(rec.ResourceName, rec.ResourceID),
		})
		if err != nil {
			return out, storeErr("resolve cluster", rec, err)
		}
		if cluster.OrgID != org.ID || cluster.EnvID != out.EnvID {
			return out, errors.NewDimensionResolutionError(
				fmt.Sprintf("cluster %s is registered under org %s env %s", cluster.ID, cluster.OrgID, cluster.EnvID),
				rec.ResourceID)
		}
		out.ClusterID = cluster.ID
	}

	if rec.PrincipalID != "" {
		principal, err := r.store.UpsertPrincipal(ctx, &model.Principal{
			ID:            rec.PrincipalID,
			OrgID:         org.ID,
			PrincipalType: principalTypeOf(rec.PrincipalID),
			Name:          rec.PrincipalID,
		})
		if err != nil {
			return out, storeErr("resolve principal", rec, err)
		}
		out.PrincipalID = principal.ID
	}

	return out, nil
}

// principalTypeOf infers the principal type from the Confluent ID prefix
// (sa-* service accounts, u-* users).
func principalTypeOf(id string) model.PrincipalType {
	if len(id) > 2 && id[:2] == "u-" {
		return model.PrincipalUser
	}
	return model.PrincipalServiceAccount
}

func nameOrID(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

// storeErr classifies a dimension-store failure: portal errors pass
// through, anything else means the store itself is unreachable and the
// run must fail.
func storeErr(op string, rec *model.RawBillingRecord, err error) error {
	if errors.CodeOf(err) != "" {
		return err
	}
	return errors.NewStorageUnavailableError(fmt.Errorf("%s for %s: %w", op, rec.ResourceID, err))
}
