package postgres

import (
	"context"
	"fmt"

	"ccloud-cost/pkg/model"
)

// Dimension upserts are single atomic statements: insert if absent, else
// freshen the display fields and fetch the canonical row. Parent
// references (org_id, env_id) are fixed on first sight and never moved by
// a later observation; the resolver detects mismatches from the returned
// row.

// UpsertOrg resolves an organization, creating it on first sight.
func (s *Store) UpsertOrg(ctx context.Context, org *model.Organization) (*model.Organization, error) {
	meta, err := marshalMeta(org.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal org metadata: %w", err)
	}

	query := `
		INSERT INTO dimensions_orgs (id, name, display_name, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), dimensions_orgs.name),
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), dimensions_orgs.display_name),
			metadata = dimensions_orgs.metadata || EXCLUDED.metadata,
			updated_at = now()
		RETURNING id, name, COALESCE(display_name, ''), metadata, created_at, updated_at
	`

	var out model.Organization
	var meta2 []byte
	err = s.db.QueryRowContext(ctx, query, org.ID, org.Name, nullString(org.DisplayName), meta).Scan(
		&out.ID, &out.Name, &out.DisplayName, &meta2, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert organization %s: %w", org.ID, err)
	}
	out.Metadata = unmarshalMeta(meta2)
	return &out, nil
}

// UpsertEnv resolves an environment under its organization.
func (s *Store) UpsertEnv(ctx context.Context, env *model.Environment) (*model.Environment, error) {
	meta, err := marshalMeta(env.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal env metadata: %w", err)
	}

	query := `
		INSERT INTO dimensions_envs (id, org_id, name, display_name, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), dimensions_envs.name),
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), dimensions_envs.display_name),
			metadata = dimensions_envs.metadata || EXCLUDED.metadata,
			updated_at = now()
		RETURNING id, org_id, name, COALESCE(display_name, ''), metadata, created_at, updated_at
	`

	var out model.Environment
	var meta2 []byte
	err = s.db.QueryRowContext(ctx, query, env.ID, env.OrgID, env.Name, nullString(env.DisplayName), meta).Scan(
		&out.ID, &out.OrgID, &out.Name, &out.DisplayName, &meta2, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert environment %s: %w", env.ID, err)
	}
	out.Metadata = unmarshalMeta(meta2)
	return &out, nil
}

// UpsertCluster resolves a cluster under its organization and environment.
func (s *Store) UpsertCluster(ctx context.Context, cluster *model.Cluster) (*model.Cluster, error) {
	meta, err := marshalMeta(cluster.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal cluster metadata: %w", err)
	}

	query := `
		INSERT INTO dimensions_clusters (id, org_id, env_id, name, cluster_type, cloud_provider, region, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), dimensions_clusters.name),
			cluster_type = COALESCE(NULLIF(EXCLUDED.cluster_type, ''), dimensions_clusters.cluster_type),
			cloud_provider = COALESCE(NULLIF(EXCLUDED.cloud_provider, ''), dimensions_clusters.cloud_provider),
			region = COALESCE(NULLIF(EXCLUDED.region, ''), dimensions_clusters.region),
			metadata = dimensions_clusters.metadata || EXCLUDED.metadata,
			updated_at = now()
		RETURNING id, org_id, env_id, name,
			COALESCE(cluster_type, ''), COALESCE(cloud_provider, ''), COALESCE(region, ''),
			metadata, created_at, updated_at
	`

	var out model.Cluster
	var meta2 []byte
	err = s.db.QueryRowContext(ctx, query,
		cluster.ID, cluster.OrgID, cluster.EnvID, cluster.Name,
		nullString(cluster.ClusterType), nullString(cluster.CloudProvider), nullString(cluster.Region), meta,
	).Scan(
		&out.ID, &out.OrgID, &out.EnvID, &out.Name,
		&out.ClusterType, &out.CloudProvider, &out.Region,
		&meta2, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert cluster %s: %w", cluster.ID, err)
	}
	out.Metadata = unmarshalMeta(meta2)
	return &out, nil
}

// UpsertPrincipal resolves a service account or user under its
// organization.
func (s *Store) UpsertPrincipal(ctx context.Context, principal *model.Principal) (*model.Principal, error) {
	meta, err := marshalMeta(principal.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal principal metadata: %w", err)
	}

	query := `
		INSERT INTO dimensions_principals (id, org_id, principal_type, name, email, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), dimensions_principals.name),
			email = COALESCE(NULLIF(EXCLUDED.email, ''), dimensions_principals.email),
			metadata = dimensions_principals.metadata || EXCLUDED.metadata,
			updated_at = now()
		RETURNING id, org_id, principal_type, name, COALESCE(email, ''), metadata, created_at, updated_at
	`

	var out model.Principal
	var meta2 []byte
	err = s.db.QueryRowContext(ctx, query,
		principal.ID, principal.OrgID, string(principal.PrincipalType), principal.Name,
		nullString(principal.Email), meta,
	).Scan(
		&out.ID, &out.OrgID, &out.PrincipalType, &out.Name, &out.Email,
		&meta2, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert principal %s: %w", principal.ID, err)
	}
	out.Metadata = unmarshalMeta(meta2)
	return &out, nil
}

// ListOrgs returns all organization dimensions.
func (s *Store) ListOrgs(ctx context.Context) ([]model.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(display_name, ''), metadata, created_at, updated_at
		FROM dimensions_orgs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var out []model.Organization
	for rows.Next() {
		var org model.Organization
		var meta []byte
		if err := rows.Scan(&org.ID, &org.Name, &org.DisplayName, &meta, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, err
		}
		org.Metadata = unmarshalMeta(meta)
		out = append(out, org)
	}
	return out, rows.Err()
}

// ListEnvs returns all environment dimensions.
func (s *Store) ListEnvs(ctx context.Context) ([]model.Environment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, name, COALESCE(display_name, ''), metadata, created_at, updated_at
		FROM dimensions_envs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var out []model.Environment
	for rows.Next() {
		var env model.Environment
		var meta []byte
		if err := rows.Scan(&env.ID, &env.OrgID, &env.Name, &env.DisplayName, &meta, &env.CreatedAt, &env.UpdatedAt); err != nil {
			return nil, err
		}
		env.Metadata = unmarshalMeta(meta)
		out = append(out, env)
	}
	return out, rows.Err()
}

// ListClusters returns all cluster dimensions.
func (s *Store) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, env_id, name,
			COALESCE(cluster_type, ''), COALESCE(cloud_provider, ''), COALESCE(region, ''),
			metadata, created_at, updated_at
		FROM dimensions_clusters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var out []model.Cluster
	for rows.Next() {
		var c model.Cluster
		var meta []byte
		if err := rows.Scan(&c.ID, &c.OrgID, &c.EnvID, &c.Name,
			&c.ClusterType, &c.CloudProvider, &c.Region,
			&meta, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Metadata = unmarshalMeta(meta)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListPrincipals returns all principal dimensions.
func (s *Store) ListPrincipals(ctx context.Context) ([]model.Principal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, principal_type, name, COALESCE(email, ''), metadata, created_at, updated_at
		FROM dimensions_principals ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	defer rows.Close()

	var out []model.Principal
	for rows.Next() {
		var p model.Principal
		var meta []byte
		if err := rows.Scan(&p.ID, &p.OrgID, &p.PrincipalType, &p.Name, &p.Email, &meta, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Metadata = unmarshalMeta(meta)
		out = append(out, p)
	}
	return out, rows.Err()
}
