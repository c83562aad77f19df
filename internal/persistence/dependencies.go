package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/stefanodecillis/opengate/internal/models"
)

// pendingDependenciesTx returns the IDs of upstream dependencies that are not
// done. Empty means the task is ready.
func (s *Store) pendingDependenciesTx(ctx context.Context, q dbtx, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT td.depends_on, COALESCE(t.status, '')
		FROM task_dependencies td
		LEFT JOIN tasks t ON t.id = td.depends_on
		WHERE td.task_id = ?
		ORDER BY td.depends_on;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("pending dependencies: %w", err)
	}
	defer rows.Close()

	var pending []string
	for rows.Next() {
		var depID, status string
		if err := rows.Scan(&depID, &status); err != nil {
			return nil, err
		}
		if status != string(models.StatusDone) {
			pending = append(pending, depID)
		}
	}
	return pending, rows.Err()
}

// CheckDependencies returns nil when every upstream dependency is done, or a
// DependenciesUnmet error listing the pending IDs.
func (s *Store) CheckDependencies(ctx context.Context, taskID string) error {
	pending, err := s.pendingDependenciesTx(ctx, s.db, taskID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return models.DependenciesUnmetErr(pending)
	}
	return nil
}

// AddDependency records taskID → dependsOn. Self-edges, missing endpoints,
// and edges that would close a cycle are rejected.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if taskID == dependsOn {
			return models.ValidationErr("a task cannot depend on itself")
		}
		for _, id := range []string{taskID, dependsOn} {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?;`, id).Scan(&exists); err != nil {
				return fmt.Errorf("check task: %w", err)
			}
			if exists == 0 {
				return models.NotFoundErr("task " + id)
			}
		}
		// The edge closes a cycle iff dependsOn already reaches taskID.
		reachable, err := s.reachesTx(ctx, tx, dependsOn, taskID)
		if err != nil {
			return err
		}
		if reachable {
			return models.CycleErr(taskID, dependsOn)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_dependencies (task_id, depends_on) VALUES (?, ?);
		`, taskID, dependsOn); err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
		return nil
	})
}

// reachesTx reports whether `from` transitively depends on `target`,
// following edges by query (DFS over the edge table, no in-memory graph).
func (s *Store) reachesTx(ctx context.Context, q dbtx, from, target string) (bool, error) {
	visited := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == target {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true
		deps, err := s.loadDependencyIDsTx(ctx, q, current)
		if err != nil {
			return false, err
		}
		stack = append(stack, deps...)
	}
	return false, nil
}

// RemoveDependency deletes one edge. Returns false when the edge was absent.
func (s *Store) RemoveDependency(ctx context.Context, taskID, dependsOn string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_dependencies WHERE task_id = ? AND depends_on = ?;
	`, taskID, dependsOn)
	if err != nil {
		return false, fmt.Errorf("remove dependency: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TaskDependencies returns the upstream tasks taskID depends on.
func (s *Store) TaskDependencies(ctx context.Context, taskID string) ([]models.Task, error) {
	ids, err := s.loadDependencyIDsTx(ctx, s.db, taskID)
	if err != nil {
		return nil, err
	}
	return s.tasksByIDs(ctx, ids)
}

// TaskDependents returns the downstream tasks that depend on taskID.
func (s *Store) TaskDependents(ctx context.Context, taskID string) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on = ?;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load dependents: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s.tasksByIDs(ctx, ids)
}

func (s *Store) tasksByIDs(ctx context.Context, ids []string) ([]models.Task, error) {
	out := []models.Task{}
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			if models.KindOf(err) == models.KindNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func dependentIDsTx(ctx context.Context, q dbtx, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on = ?;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load dependent ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// unblockDependentsTx promotes backlog/blocked dependents of a completed task
// to todo once all their dependencies are done, emitting task.unblocked for
// assigned dependents.
func (s *Store) unblockDependentsTx(ctx context.Context, tx *sql.Tx, completedTaskID string) ([]models.PendingNotifWebhook, error) {
	completed, err := s.getTaskTx(ctx, tx, completedTaskID)
	if err != nil {
		return nil, err
	}
	dependentIDs, err := dependentIDsTx(ctx, tx, completedTaskID)
	if err != nil {
		return nil, err
	}

	var pending []models.PendingNotifWebhook
	for _, depID := range dependentIDs {
		dep, err := s.getTaskTx(ctx, tx, depID)
		if err != nil {
			continue
		}
		if dep.Status != string(models.StatusBacklog) && dep.Status != string(models.StatusBlocked) {
			continue
		}
		pendingDeps, err := s.pendingDependenciesTx(ctx, tx, depID)
		if err != nil {
			return nil, err
		}
		if len(pendingDeps) > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status='todo', updated_at=? WHERE id=?;`, nowRFC3339(), depID); err != nil {
			return nil, fmt.Errorf("unblock dependent: %w", err)
		}
		if err := s.appendHistoryTx(ctx, tx, depID, string(models.StatusTodo), strp("system"), strp("auto-unblock")); err != nil {
			return nil, err
		}
		if dep.AssigneeID != nil && dep.AssigneeType != nil && *dep.AssigneeType == "agent" {
			payload := eventPayload(dep.Title, "System", strp(dep.Status), strp("todo"), map[string]any{
				"unblocked_by": completed.Title,
			})
			_, p, err := s.emitEventTx(ctx, tx, "task.unblocked", &dep.ID, dep.ProjectID, "system", "system", payload)
			if err != nil {
				return nil, err
			}
			pending = append(pending, p...)
		}
	}
	return pending, nil
}

// injectUpstreamOutputsTx merges the completed task's output into the context
// of every dependent — tasks whose context.dependencies lists it, plus tasks
// holding an edge to it — keyed under upstream_outputs by the completed
// task's ID. Always a merge, never a replace.
func (s *Store) injectUpstreamOutputsTx(ctx context.Context, tx *sql.Tx, completed *models.Task) error {
	if len(completed.Output) == 0 {
		return nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, COALESCE(context, '{}') FROM tasks WHERE project_id = ? AND id != ?;
	`, completed.ProjectID, completed.ID)
	if err != nil {
		return fmt.Errorf("scan downstream contexts: %w", err)
	}
	type candidate struct {
		id      string
		context string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.context); err != nil {
			rows.Close()
			return err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	edgeDependents, err := dependentIDsTx(ctx, tx, completed.ID)
	if err != nil {
		return err
	}
	isEdgeDependent := make(map[string]bool, len(edgeDependents))
	for _, id := range edgeDependents {
		isEdgeDependent[id] = true
	}

	agentName := "unknown"
	if completed.AssigneeID != nil {
		agentName = *completed.AssigneeID
	}
	entry := map[string]any{
		"task_title":   completed.Title,
		"agent":        agentName,
		"completed_at": completed.UpdatedAt,
		"output":       json.RawMessage(completed.Output),
	}

	for _, c := range candidates {
		var contextObj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(c.context), &contextObj); err != nil {
			continue
		}
		if contextObj == nil {
			contextObj = map[string]json.RawMessage{}
		}
		found := isEdgeDependent[c.id]
		if !found {
			var deps []string
			if raw, ok := contextObj["dependencies"]; ok {
				if err := json.Unmarshal(raw, &deps); err != nil {
					continue
				}
			}
			for _, d := range deps {
				if d == completed.ID {
					found = true
					break
				}
			}
		}
		if !found {
			continue
		}

		upstream := map[string]json.RawMessage{}
		if raw, ok := contextObj["upstream_outputs"]; ok {
			_ = json.Unmarshal(raw, &upstream)
		}
		encodedEntry, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode upstream entry: %w", err)
		}
		upstream[completed.ID] = encodedEntry
		encodedUpstream, err := json.Marshal(upstream)
		if err != nil {
			return fmt.Errorf("encode upstream outputs: %w", err)
		}
		contextObj["upstream_outputs"] = encodedUpstream
		merged, err := json.Marshal(contextObj)
		if err != nil {
			return fmt.Errorf("encode context: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET context = ?, updated_at = ? WHERE id = ?;`,
			string(merged), nowRFC3339(), c.id); err != nil {
			return fmt.Errorf("inject upstream output: %w", err)
		}
	}
	return nil
}
