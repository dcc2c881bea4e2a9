// Package store provides storage backends for FlowBot.
//
// This file implements the flow graph repository: read-only access to the
// single active graph of each bot. Graph authoring is an external concern;
// the in-memory repository is loaded at startup from JSON bot definitions.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/FlowBotIO/flowbot/internal/models"
)

// GraphRepo provides read-only access to bots and their active flow graphs.
type GraphRepo interface {
	// Bot returns the bot definition, or (zero, false) when unknown.
	Bot(ctx context.Context, botID string) (models.Bot, bool)
	// ActiveGraph returns the bot's single active graph, or nil when the bot
	// has none.
	ActiveGraph(ctx context.Context, botID string) (*models.FlowGraph, error)
}

// InMemoryGraphRepo holds bot definitions and active graphs in memory.
type InMemoryGraphRepo struct {
	mu     sync.RWMutex
	bots   map[string]models.Bot
	graphs map[string]*models.FlowGraph
}

// NewInMemoryGraphRepo creates an empty graph repository.
func NewInMemoryGraphRepo() *InMemoryGraphRepo {
	return &InMemoryGraphRepo{
		bots:   make(map[string]models.Bot),
		graphs: make(map[string]*models.FlowGraph),
	}
}

// Bot returns the bot definition, or (zero, false) when unknown.
func (r *InMemoryGraphRepo) Bot(ctx context.Context, botID string) (models.Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[botID]
	return b, ok
}

// ActiveGraph returns the bot's active graph, or nil when the bot has none.
func (r *InMemoryGraphRepo) ActiveGraph(ctx context.Context, botID string) (*models.FlowGraph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graphs[botID], nil
}

// SetBot registers or replaces a bot definition.
func (r *InMemoryGraphRepo) SetBot(bot models.Bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[bot.ID] = bot
}

// SetActiveGraph activates a graph for a bot, replacing any previous one.
// At most one graph is active per bot.
func (r *InMemoryGraphRepo) SetActiveGraph(botID string, graph *models.FlowGraph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[botID] = graph
}

// botDefinition is the JSON shape of one bot file in the flows directory.
type botDefinition struct {
	Bot   models.Bot `json:"bot"`
	Graph struct {
		ID    string        `json:"id"`
		Nodes []models.Node `json:"nodes"`
		Edges []models.Edge `json:"edges"`
	} `json:"graph"`
}

// LoadDir loads every *.json bot definition from dir into the repository.
// Invalid files are logged and skipped.
func (r *InMemoryGraphRepo) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read flows directory: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("GraphRepo.LoadDir: failed to read file", "path", path, "error", err)
			continue
		}
		var def botDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			slog.Error("GraphRepo.LoadDir: invalid bot definition", "path", path, "error", err)
			continue
		}
		if def.Bot.ID == "" {
			slog.Error("GraphRepo.LoadDir: bot definition missing bot id", "path", path)
			continue
		}
		graph, err := models.NewFlowGraph(def.Graph.ID, def.Bot.ID, def.Graph.Nodes, def.Graph.Edges)
		if err != nil {
			slog.Error("GraphRepo.LoadDir: invalid graph", "path", path, "botID", def.Bot.ID, "error", err)
			continue
		}
		r.SetBot(def.Bot)
		r.SetActiveGraph(def.Bot.ID, graph)
		loaded++
		slog.Info("GraphRepo.LoadDir: loaded bot", "botID", def.Bot.ID, "nodes", len(graph.Nodes), "edges", len(graph.Edges))
	}
	slog.Info("GraphRepo.LoadDir: done", "dir", dir, "loaded", loaded)
	return nil
}
