package stack

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/glueflow/pkg/engine"
)

// Resources returns the declared resources in dependency order.
func (s *Stack) Resources() ([]engine.Resource, error) {
	type decl struct {
		id       string
		kind     engine.ResourceKind
		name     string
		identity string
		props    interface{}
		deps     []string
	}

	decls := []decl{
		{s.Bucket.LogicalID, engine.KindBucketRef, s.Bucket.Name, s.Bucket.Name, s.Bucket, nil},
		{s.Role.LogicalID, engine.KindRole, "", "", s.Role, []string{s.Bucket.LogicalID}},
		{s.Job.LogicalID, engine.KindJob, s.Job.Name, s.Job.Name, s.Job, []string{s.Role.LogicalID, s.Bucket.LogicalID}},
		{s.Workflow.LogicalID, engine.KindStateMachine, "", "", s.Workflow, []string{s.Job.LogicalID}},
		{s.Rule.LogicalID, engine.KindRule, "", "", s.Rule, []string{s.Workflow.LogicalID}},
	}
	if s.Database != nil {
		decls = append(decls, decl{s.Database.LogicalID, engine.KindDatabase, s.Database.Name, s.Database.Name, s.Database, nil})
	}
	if s.Table != nil {
		deps := []string{s.Bucket.LogicalID}
		if s.Database != nil {
			deps = append([]string{s.Table.DatabaseRef}, deps...)
		}
		identity := s.Table.Name
		if s.Database != nil {
			identity = s.Database.Name + "." + s.Table.Name
		}
		decls = append(decls, decl{s.Table.LogicalID, engine.KindTable, s.Table.Name, identity, s.Table, deps})
	}
	if s.Connection != nil {
		decls = append(decls, decl{s.Connection.LogicalID, engine.KindConnection, s.Connection.Name, s.Connection.Name, s.Connection, nil})
	}

	resources := make([]engine.Resource, 0, len(decls))
	for _, d := range decls {
		props, err := json.Marshal(d.props)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", d.id, err)
		}
		resources = append(resources, engine.Resource{
			ID:           d.id,
			Kind:         d.kind,
			Name:         d.name,
			Identity:     d.identity,
			Properties:   props,
			Labels:       map[string]string{"stack": s.Name, "variant": string(s.Variant)},
			Dependencies: d.deps,
		})
	}
	return resources, nil
}

// Config returns the stack as the engine's desired state.
func (s *Stack) Config(source string) (*engine.Config, error) {
	resources, err := s.Resources()
	if err != nil {
		return nil, err
	}
	return &engine.Config{
		ID:        s.Name,
		Source:    source,
		ParsedAt:  time.Now().UTC(),
		Resources: resources,
		Metadata: map[string]interface{}{
			"variant":  string(s.Variant),
			"bucket":   s.Bucket.Name,
			"schedule": s.Rule.Expression,
		},
	}, nil
}
