package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/model"
)

// priorityRank orders CRITICAL < HIGH < MEDIUM < LOW inside SQL. Kept in
// step with model.Priority.Rank.
const priorityRank = `CASE priority
	WHEN 'CRITICAL' THEN 0
	WHEN 'HIGH' THEN 1
	WHEN 'MEDIUM' THEN 2
	WHEN 'LOW' THEN 3
	ELSE 4 END`

const taskColumns = `id, ticket_id, project_id, phase_id, description, task_type,
	status, priority, sandbox_id, result, synthesis_context, retry_count,
	last_error, ready_to_run, last_heartbeat, created_at, updated_at`

// CreateTask inserts a task with its dependencies and estimated files in one
// transaction. Dependencies that would close a cycle are rejected before any
// write happens.
func (d *DB) CreateTask(ctx context.Context, t *model.Task) error {
	if len(t.Dependencies) > 0 {
		existing, err := d.taskDepGraph(ctx, t.TicketID)
		if err != nil {
			return err
		}
		if model.WouldCycle(existing, t.ID, t.Dependencies) {
			return conderr.ErrDependencyCycle(t.ID)
		}
	}

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = model.TaskPending
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}

	result, err := encodeJSONMap(t.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	synthesis, err := encodeJSONMap(t.SynthesisCtx)
	if err != nil {
		return fmt.Errorf("encode synthesis context: %w", err)
	}

	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(ctx, d.rebind(`
		INSERT INTO tasks (id, ticket_id, project_id, phase_id, description, task_type, status, priority, sandbox_id, result, synthesis_context, retry_count, last_error, ready_to_run, last_heartbeat, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.TicketID, t.ProjectID, t.PhaseID, t.Description, t.TaskType,
		string(t.Status), string(t.Priority), t.SandboxID, result, synthesis,
		t.RetryCount, t.LastError, boolToInt(t.ReadyToRun),
		encodeTimePtr(t.LastHeartbeat), encodeTime(t.CreatedAt), encodeTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}

	for _, dep := range t.Dependencies {
		if _, err := tx.Exec(ctx, d.rebind(`
			INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?)`),
			t.ID, dep); err != nil {
			return fmt.Errorf("insert dep %s -> %s: %w", t.ID, dep, err)
		}
	}
	for _, path := range t.EstimatedFiles {
		if _, err := tx.Exec(ctx, d.rebind(`
			INSERT INTO task_files (task_id, path) VALUES (?, ?)`),
			t.ID, path); err != nil {
			return fmt.Errorf("insert file estimate for %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// GetTask loads a task with its dependency and file sets.
func (d *DB) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := d.QueryRow(ctx, d.rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conderr.ErrTaskNotFound(id)
		}
		return nil, err
	}
	if err := d.loadTaskRelations(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// claimCandidates is the eligibility query behind ClaimNext: pending,
// unassigned, every dependency completed, ticket not blocked, and in manual
// mode explicitly marked ready to run. Ordered by priority rank then FIFO.
const claimCandidates = `
	SELECT ` + taskColumns + ` FROM tasks
	WHERE project_id = ?
	  AND (? = '' OR phase_id = ?)
	  AND status = 'pending'
	  AND sandbox_id = ''
	  AND (? = 1 OR ready_to_run = 1)
	  AND NOT EXISTS (
	      SELECT 1 FROM task_deps dp
	      JOIN tasks dt ON dt.id = dp.depends_on
	      WHERE dp.task_id = tasks.id AND dt.status != 'completed')
	  AND NOT EXISTS (
	      SELECT 1 FROM tickets tk
	      WHERE tk.id = tasks.ticket_id AND tk.status = 'blocked')`

const claimOrder = `
	ORDER BY ` + priorityRank + `, created_at
	LIMIT 8`

// ClaimSpec narrows a ClaimNext call.
type ClaimSpec struct {
	ProjectID string
	// PhaseID narrows the claim to one phase; empty means any phase.
	PhaseID string
	// Claimant becomes the task's sandbox slot and guards against
	// double-assignment.
	Claimant string
	// Autonomous selects whether unapproved tasks are claimable.
	Autonomous bool
	// Capabilities restricts the claim to untyped tasks plus tasks whose
	// task_type is in the set. Empty means any type.
	Capabilities []string
	// MaxInFlight caps the project's assigned+running tasks. Zero or
	// negative means no ceiling.
	MaxInFlight int
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ClaimNext atomically claims the highest-priority eligible task matching
// the spec. The claim is a conditional update guarded by the current
// status, the empty sandbox slot and the in-flight ceiling, so under
// concurrent orchestrators exactly one claimer wins each task and the
// ceiling holds without a separate count-then-claim step; losers silently
// move to the next candidate. Returns (nil, nil) when no task is eligible.
func (d *DB) ClaimNext(ctx context.Context, spec ClaimSpec) (*model.Task, error) {
	query := claimCandidates
	args := []any{spec.ProjectID, spec.PhaseID, spec.PhaseID, boolToInt(spec.Autonomous)}
	if len(spec.Capabilities) > 0 {
		query += `
	  AND (task_type = '' OR task_type IN (` + placeholders(len(spec.Capabilities)) + `))`
		for _, c := range spec.Capabilities {
			args = append(args, c)
		}
	}
	query += claimOrder

	rows, err := d.Query(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query claim candidates: %w", err)
	}
	var candidates []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := time.Now()
	for _, t := range candidates {
		res, err := d.Exec(ctx, d.rebind(`
			UPDATE tasks SET status = 'assigned', sandbox_id = ?, updated_at = ?
			WHERE id = ? AND status = 'pending' AND sandbox_id = ''
			  AND (? <= 0 OR ? > (
			      SELECT COUNT(*) FROM tasks t
			      WHERE t.project_id = ? AND t.status IN ('assigned', 'running')))`),
			spec.Claimant, encodeTime(now), t.ID,
			spec.MaxInFlight, spec.MaxInFlight, spec.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("claim task %s: %w", t.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race for this one or the ceiling filled; try the
			// next candidate.
			continue
		}
		t.Status = model.TaskAssigned
		t.SandboxID = spec.Claimant
		t.UpdatedAt = now
		if err := d.loadTaskRelations(ctx, t); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, nil
}

// TransitionTask moves a task between statuses with the from-status as the
// guard. A zero-row update means the task moved concurrently or the
// transition is stale; either way the caller's view has expired.
func (d *DB) TransitionTask(ctx context.Context, id string, from, to model.TaskStatus) error {
	if !model.CanTransition(from, to) {
		return conderr.ErrStatusInvalid(id, string(from), string(to))
	}
	res, err := d.Exec(ctx, d.rebind(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(to), encodeTime(time.Now()), id, string(from))
	if err != nil {
		return fmt.Errorf("transition task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conderr.ErrClaimLost(id)
	}
	return nil
}

// CompleteTask marks a running task completed and stores its result payload.
func (d *DB) CompleteTask(ctx context.Context, id string, result map[string]any) error {
	encoded, err := encodeJSONMap(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	res, err := d.Exec(ctx, d.rebind(`
		UPDATE tasks SET status = 'completed', result = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = 'running'`),
		encoded, encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conderr.ErrClaimLost(id)
	}
	return nil
}

// FailTask marks a task failed, records the error and bumps the retry count.
func (d *DB) FailTask(ctx context.Context, id, lastError string) error {
	res, err := d.Exec(ctx, d.rebind(`
		UPDATE tasks SET status = 'failed', last_error = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? AND status IN ('assigned', 'running')`),
		lastError, encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conderr.ErrClaimLost(id)
	}
	return nil
}

// RequeueTask returns a failed or blocked task to the pending pool, clearing
// its sandbox slot so it can be claimed again.
func (d *DB) RequeueTask(ctx context.Context, id string) error {
	res, err := d.Exec(ctx, d.rebind(`
		UPDATE tasks SET status = 'pending', sandbox_id = '', updated_at = ?
		WHERE id = ? AND status IN ('failed', 'blocked')`),
		encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conderr.ErrClaimLost(id)
	}
	return nil
}

// AssignSandbox replaces the claim placeholder with the real sandbox id
// once the sandbox has spawned.
func (d *DB) AssignSandbox(ctx context.Context, id, sandboxID string) error {
	res, err := d.Exec(ctx, d.rebind(`
		UPDATE tasks SET sandbox_id = ?, updated_at = ?
		WHERE id = ? AND status = 'assigned'`),
		sandboxID, encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("assign sandbox to task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conderr.ErrClaimLost(id)
	}
	return nil
}

// UnclaimTask returns an assigned task to the pending pool, releasing the
// claim without a failure. Used when the orchestrator defers a claimed
// task, for example on an ownership conflict.
func (d *DB) UnclaimTask(ctx context.Context, id string) error {
	res, err := d.Exec(ctx, d.rebind(`
		UPDATE tasks SET status = 'pending', sandbox_id = '', updated_at = ?
		WHERE id = ? AND status = 'assigned'`),
		encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("unclaim task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conderr.ErrClaimLost(id)
	}
	return nil
}

// BlockTask parks a non-terminal task, typically on a merge conflict or an
// orchestrator deferral. The sandbox slot is kept so a resumed task can
// reattach.
func (d *DB) BlockTask(ctx context.Context, id, reason string) error {
	res, err := d.Exec(ctx, d.rebind(`
		UPDATE tasks SET status = 'blocked', last_error = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'assigned', 'running')`),
		reason, encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("block task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conderr.ErrClaimLost(id)
	}
	return nil
}

// CancelTask cancels a non-terminal task.
func (d *DB) CancelTask(ctx context.Context, id string) error {
	res, err := d.Exec(ctx, d.rebind(`
		UPDATE tasks SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'assigned', 'running', 'blocked')`),
		encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conderr.ErrClaimLost(id)
	}
	return nil
}

// SetReadyToRun flips the manual-mode approval flag.
func (d *DB) SetReadyToRun(ctx context.Context, id string, ready bool) error {
	res, err := d.Exec(ctx, d.rebind(`
		UPDATE tasks SET ready_to_run = ?, updated_at = ? WHERE id = ?`),
		boolToInt(ready), encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set ready_to_run for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conderr.ErrTaskNotFound(id)
	}
	return nil
}

// Heartbeat records liveness for a running task.
func (d *DB) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := d.Exec(ctx, d.rebind(`
		UPDATE tasks SET last_heartbeat = ? WHERE id = ? AND status = 'running'`),
		encodeTime(at), id)
	if err != nil {
		return fmt.Errorf("heartbeat task %s: %w", id, err)
	}
	return nil
}

// SetTaskSynthesis replaces a task's synthesized context payload.
func (d *DB) SetTaskSynthesis(ctx context.Context, id string, synthesis map[string]any) error {
	encoded, err := encodeJSONMap(synthesis)
	if err != nil {
		return fmt.Errorf("encode synthesis context: %w", err)
	}
	res, err := d.Exec(ctx, d.rebind(`
		UPDATE tasks SET synthesis_context = ?, updated_at = ? WHERE id = ?`),
		encoded, encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set synthesis for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conderr.ErrTaskNotFound(id)
	}
	return nil
}

// BoostTaskPriority raises a pending task's priority one level.
func (d *DB) BoostTaskPriority(ctx context.Context, id string) error {
	t, err := d.GetTask(ctx, id)
	if err != nil {
		return err
	}
	boosted := t.Priority.Boost()
	if boosted == t.Priority {
		return nil
	}
	_, err = d.Exec(ctx, d.rebind(`
		UPDATE tasks SET priority = ?, updated_at = ? WHERE id = ?`),
		string(boosted), encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("boost priority for %s: %w", id, err)
	}
	return nil
}

// ListTasksByTicket returns all tasks of a ticket in creation order.
func (d *DB) ListTasksByTicket(ctx context.Context, ticketID string) ([]*model.Task, error) {
	return d.listTasks(ctx, d.rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE ticket_id = ? ORDER BY created_at`), ticketID)
}

// ListTasksByStatus returns a project's tasks with the given status.
func (d *DB) ListTasksByStatus(ctx context.Context, projectID string, status model.TaskStatus) ([]*model.Task, error) {
	return d.listTasks(ctx, d.rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND status = ? ORDER BY created_at`),
		projectID, string(status))
}

// ListInFlight returns a project's assigned and running tasks.
func (d *DB) ListInFlight(ctx context.Context, projectID string) ([]*model.Task, error) {
	return d.listTasks(ctx, d.rebind(
		`SELECT `+taskColumns+` FROM tasks
		WHERE project_id = ? AND status IN ('assigned', 'running') ORDER BY created_at`),
		projectID)
}

// CountInFlight counts a project's assigned and running tasks, used to
// enforce the per-project concurrency ceiling before claiming.
func (d *DB) CountInFlight(ctx context.Context, projectID string) (int, error) {
	var n int
	err := d.QueryRow(ctx, d.rebind(`
		SELECT COUNT(*) FROM tasks
		WHERE project_id = ? AND status IN ('assigned', 'running')`),
		projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight tasks: %w", err)
	}
	return n, nil
}

// StaleRunning returns running tasks whose last heartbeat is older than the
// cutoff (or that never sent one and were updated before it). Guardian and
// orphan recovery use this to find abandoned work.
func (d *DB) StaleRunning(ctx context.Context, cutoff time.Time) ([]*model.Task, error) {
	return d.listTasks(ctx, d.rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running'
		  AND (CASE WHEN last_heartbeat IS NULL THEN updated_at ELSE last_heartbeat END) < ?
		ORDER BY created_at`),
		encodeTime(cutoff))
}

// DependentsOf returns ids of tasks that declare a dependency on the given
// task. Used to unpark blocked continuations when a dependency completes.
func (d *DB) DependentsOf(ctx context.Context, taskID string) ([]string, error) {
	rows, err := d.Query(ctx, d.rebind(`
		SELECT task_id FROM task_deps WHERE depends_on = ? ORDER BY task_id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("query dependents of %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()
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

// DependenciesComplete reports whether every dependency of the task is
// completed.
func (d *DB) DependenciesComplete(ctx context.Context, taskID string) (bool, error) {
	var pending int
	err := d.QueryRow(ctx, d.rebind(`
		SELECT COUNT(*) FROM task_deps dp
		JOIN tasks dt ON dt.id = dp.depends_on
		WHERE dp.task_id = ? AND dt.status != 'completed'`),
		taskID).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("check dependencies of %s: %w", taskID, err)
	}
	return pending == 0, nil
}

func (d *DB) listTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if err := d.loadTaskRelations(ctx, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// taskDepGraph loads the dependency adjacency for a ticket's tasks.
func (d *DB) taskDepGraph(ctx context.Context, ticketID string) (map[string][]string, error) {
	rows, err := d.Query(ctx, d.rebind(`
		SELECT dp.task_id, dp.depends_on FROM task_deps dp
		JOIN tasks t ON t.id = dp.task_id
		WHERE t.ticket_id = ?`), ticketID)
	if err != nil {
		return nil, fmt.Errorf("load dep graph for %s: %w", ticketID, err)
	}
	defer func() { _ = rows.Close() }()

	graph := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		graph[from] = append(graph[from], to)
	}
	return graph, rows.Err()
}

func (d *DB) loadTaskRelations(ctx context.Context, t *model.Task) error {
	rows, err := d.Query(ctx, d.rebind(`
		SELECT depends_on FROM task_deps WHERE task_id = ? ORDER BY depends_on`), t.ID)
	if err != nil {
		return fmt.Errorf("load deps for %s: %w", t.ID, err)
	}
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			_ = rows.Close()
			return err
		}
		t.Dependencies = append(t.Dependencies, dep)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	rows, err = d.Query(ctx, d.rebind(`
		SELECT path FROM task_files WHERE task_id = ? ORDER BY path`), t.ID)
	if err != nil {
		return fmt.Errorf("load files for %s: %w", t.ID, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return err
		}
		t.EstimatedFiles = append(t.EstimatedFiles, path)
	}
	return rows.Err()
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var status, priority, result, synthesis, createdAt, updatedAt string
	var readyToRun int
	var heartbeat sql.NullString
	err := row.Scan(&t.ID, &t.TicketID, &t.ProjectID, &t.PhaseID, &t.Description,
		&t.TaskType, &status, &priority, &t.SandboxID, &result, &synthesis,
		&t.RetryCount, &t.LastError, &readyToRun, &heartbeat, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	t.Priority = model.Priority(priority)
	t.Result = decodeJSONMap(result)
	t.SynthesisCtx = decodeJSONMap(synthesis)
	t.ReadyToRun = readyToRun != 0
	t.LastHeartbeat = decodeTimePtr(heartbeat)
	t.CreatedAt = decodeTime(createdAt)
	t.UpdatedAt = decodeTime(updatedAt)
	return &t, nil
}
