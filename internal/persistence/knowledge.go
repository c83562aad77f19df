package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/stefanodecillis/opengate/internal/models"
)

const knowledgeCols = `id, project_id, key, title, content, metadata, tags, category,
	created_by_type, created_by_id, updated_at, created_at`

func scanKnowledge(scan func(dest ...any) error) (*models.KnowledgeEntry, error) {
	var (
		e        models.KnowledgeEntry
		metadata sql.NullString
		tags     sql.NullString
		category sql.NullString
	)
	if err := scan(&e.ID, &e.ProjectID, &e.Key, &e.Title, &e.Content, &metadata, &tags, &category,
		&e.CreatedByType, &e.CreatedByID, &e.UpdatedAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Metadata = rawJSON(metadata)
	e.Tags = parseJSONList(tags)
	e.Category = strPtr(category)
	return &e, nil
}

// UpsertKnowledge writes a project knowledge entry keyed by (project, key).
// Unknown categories are silently dropped.
func (s *Store) UpsertKnowledge(ctx context.Context, projectID, key string, input *models.UpsertKnowledge, identity models.Identity) (*models.KnowledgeEntry, error) {
	var category any
	if input.Category != nil {
		for _, valid := range models.ValidCategories {
			if *input.Category == valid {
				category = *input.Category
				break
			}
		}
	}

	var entry *models.KnowledgeEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := nowRFC3339()
		res, err := tx.ExecContext(ctx, `
			UPDATE project_knowledge SET title=?, content=?, metadata=?, tags=?, category=?, updated_at=?
			WHERE project_id=? AND key=?;
		`, input.Title, input.Content, jsonOrNull(input.Metadata), jsonList(input.Tags), category, now, projectID, key)
		if err != nil {
			return fmt.Errorf("update knowledge: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO project_knowledge (id, project_id, key, title, content, metadata, tags, category,
					created_by_type, created_by_id, updated_at, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, uuid.NewString(), projectID, key, input.Title, input.Content,
				jsonOrNull(input.Metadata), jsonList(input.Tags), category,
				identity.AuthorType(), identity.AuthorID(), now, now); err != nil {
				return fmt.Errorf("insert knowledge: %w", err)
			}
		}

		row := tx.QueryRowContext(ctx, `SELECT `+knowledgeCols+` FROM project_knowledge WHERE project_id = ? AND key = ?;`, projectID, key)
		e, err := scanKnowledge(row.Scan)
		if err != nil {
			return fmt.Errorf("read back knowledge: %w", err)
		}
		entry = e
		return nil
	})
	return entry, err
}

func (s *Store) GetKnowledge(ctx context.Context, projectID, key string) (*models.KnowledgeEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+knowledgeCols+` FROM project_knowledge WHERE project_id = ? AND key = ?;`, projectID, key)
	e, err := scanKnowledge(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFoundErr("knowledge entry")
		}
		return nil, fmt.Errorf("get knowledge: %w", err)
	}
	return e, nil
}

// ListKnowledge returns a project's entries ordered by key, optionally
// restricted to a key prefix.
func (s *Store) ListKnowledge(ctx context.Context, projectID string, prefix *string) ([]models.KnowledgeEntry, error) {
	query := `SELECT ` + knowledgeCols + ` FROM project_knowledge WHERE project_id = ?`
	args := []any{projectID}
	if prefix != nil {
		query += ` AND key LIKE ?`
		args = append(args, *prefix+"%")
	}
	query += ` ORDER BY key;`
	return s.queryKnowledge(ctx, query, args...)
}

// SearchKnowledge combines an optional LIKE text query, OR-matched tags, and
// an exact category filter.
func (s *Store) SearchKnowledge(ctx context.Context, projectID, query string, tagList []string, category *string) ([]models.KnowledgeEntry, error) {
	conditions := []string{"project_id = ?"}
	args := []any{projectID}

	if query != "" {
		pattern := "%" + query + "%"
		conditions = append(conditions, "(title LIKE ? OR content LIKE ? OR tags LIKE ? OR key LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}
	if len(tagList) > 0 {
		tagConds := make([]string, 0, len(tagList))
		for _, tag := range tagList {
			tagConds = append(tagConds, "tags LIKE ?")
			args = append(args, `%"`+tag+`"%`)
		}
		conditions = append(conditions, "("+strings.Join(tagConds, " OR ")+")")
	}
	if category != nil {
		conditions = append(conditions, "category = ?")
		args = append(args, *category)
	}

	sqlQuery := `SELECT ` + knowledgeCols + ` FROM project_knowledge WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY updated_at DESC;`
	return s.queryKnowledge(ctx, sqlQuery, args...)
}

func (s *Store) queryKnowledge(ctx context.Context, query string, args ...any) ([]models.KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	defer rows.Close()

	out := []models.KnowledgeEntry{}
	for rows.Next() {
		e, err := scanKnowledge(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteKnowledge(ctx context.Context, projectID, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_knowledge WHERE project_id = ? AND key = ?;`, projectID, key)
	if err != nil {
		return false, fmt.Errorf("delete knowledge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
