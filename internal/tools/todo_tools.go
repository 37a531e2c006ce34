package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/sidekick/internal/todo"
)

var priorityField = map[string]any{
	"type": "string",
	"enum": []string{"low", "normal", "high"},
}

var dueField = map[string]any{
	"type":        "string",
	"pattern":     "^[0-9]{4}-[0-9]{2}-[0-9]{2}$",
	"description": "Due date as YYYY-MM-DD.",
}

// RegisterTodoTools registers list_tasks, create_task, update_task and
// complete_task on the current owner's task list.
func (r *Registry) RegisterTodoTools(store *todo.Store) error {
	tools := []*Tool{
		{
			Name:        "list_tasks",
			Description: "List the user's to-do tasks with their IDs.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"include_completed": map[string]any{"type": "boolean", "description": "Also list finished tasks."},
				},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				owner, ok := OwnerFrom(ctx)
				if !ok {
					return "", errors.New("no owner in context")
				}
				all, _ := boolArg(args, "include_completed")
				tasks, err := store.List(ctx, owner, all)
				if err != nil {
					return "", err
				}
				return formatTasks(tasks), nil
			},
		},
		{
			Name:        "create_task",
			Description: "Add a task to the user's to-do list.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":    map[string]any{"type": "string", "minLength": 1},
					"notes":    map[string]any{"type": "string"},
					"due":      dueField,
					"priority": priorityField,
				},
				"required": []string{"title"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				owner, ok := OwnerFrom(ctx)
				if !ok {
					return "", errors.New("no owner in context")
				}
				t := &todo.Task{
					OwnerID:  owner,
					Title:    stringArg(args, "title"),
					Notes:    stringArg(args, "notes"),
					Due:      stringArg(args, "due"),
					Priority: todo.Priority(stringArg(args, "priority")),
				}
				if err := store.Create(ctx, t); err != nil {
					return "", err
				}
				return fmt.Sprintf("Created task #%d: %s", t.ID, t.Title), nil
			},
		},
		{
			Name:        "update_task",
			Description: "Change an open task's title, notes, due date or priority.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":       map[string]any{"type": "integer"},
					"title":    map[string]any{"type": "string", "minLength": 1},
					"notes":    map[string]any{"type": "string"},
					"due":      dueField,
					"priority": priorityField,
				},
				"required": []string{"id"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				owner, ok := OwnerFrom(ctx)
				if !ok {
					return "", errors.New("no owner in context")
				}
				id, _ := intArg(args, "id")
				var u todo.Update
				if _, ok := args["title"]; ok {
					s := stringArg(args, "title")
					u.Title = &s
				}
				if _, ok := args["notes"]; ok {
					s := stringArg(args, "notes")
					u.Notes = &s
				}
				if _, ok := args["due"]; ok {
					s := stringArg(args, "due")
					u.Due = &s
				}
				if _, ok := args["priority"]; ok {
					p := todo.Priority(stringArg(args, "priority"))
					u.Priority = &p
				}
				if u.Empty() {
					return "Nothing to update.", nil
				}
				updated, err := store.Update(ctx, int64(id), owner, u)
				if err != nil {
					return "", err
				}
				if !updated {
					return fmt.Sprintf("No open task #%d found.", id), nil
				}
				return fmt.Sprintf("Updated task #%d.", id), nil
			},
		},
		{
			Name:        "complete_task",
			Description: "Mark a task as done.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{"type": "integer"},
				},
				"required": []string{"id"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				owner, ok := OwnerFrom(ctx)
				if !ok {
					return "", errors.New("no owner in context")
				}
				id, _ := intArg(args, "id")
				done, err := store.Complete(ctx, int64(id), owner)
				if err != nil {
					return "", err
				}
				if !done {
					return fmt.Sprintf("No open task #%d found.", id), nil
				}
				return fmt.Sprintf("Completed task #%d.", id), nil
			},
		},
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func formatTasks(tasks []*todo.Task) string {
	if len(tasks) == 0 {
		return "No tasks."
	}
	var sb strings.Builder
	for _, t := range tasks {
		mark := "[ ]"
		if t.Completed {
			mark = "[x]"
		}
		fmt.Fprintf(&sb, "%s #%d %s", mark, t.ID, t.Title)
		if t.Priority == todo.PriorityHigh {
			sb.WriteString(" (high)")
		}
		if t.Due != "" {
			fmt.Fprintf(&sb, " due %s", t.Due)
		}
		if t.Notes != "" {
			fmt.Fprintf(&sb, " | %s", t.Notes)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}
