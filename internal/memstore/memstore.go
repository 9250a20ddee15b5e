// Package memstore is an in-process backend implementing every store
// interface. It backs single-node development servers and end-to-end tests.
// All state lives behind one mutex, so each operation is atomic.
package memstore

import (
	"sync"
	"time"

	"github.com/alecgard/outpost/internal/agent"
	"github.com/alecgard/outpost/internal/audit"
	"github.com/alecgard/outpost/internal/enrollment"
	"github.com/alecgard/outpost/internal/job"
	"github.com/alecgard/outpost/internal/quota"
	"github.com/alecgard/outpost/internal/report"
)

type tokenRow struct {
	id         string
	agentID    string
	hash       string
	active     bool
	expiresAt  time.Time
	lastUsedAt *time.Time
	createdAt  time.Time
}

type keyRow struct {
	key  enrollment.Key
	hash string
}

type reportRow struct {
	meta    report.Report
	content []byte
}

type signatureRow struct {
	agentName string
	usedAt    time.Time
}

type db struct {
	mu sync.Mutex

	agents     map[string]*agent.Agent
	tokens     map[string]*tokenRow
	keys       map[string]*keyRow
	jobs       map[string]*job.Job
	signatures map[string]signatureRow
	runs       map[string]time.Time
	features   map[string]quota.Feature
	reports    map[string]*reportRow
	events     []audit.Event

	// seq orders rows created within the same clock tick.
	seq int64
}

// Store groups the per-domain views over one shared in-memory database.
type Store struct {
	Agents     *Agents
	Keys       *Keys
	Jobs       *Jobs
	Signatures *Signatures
	Features   *Features
	Reports    *Reports
	Events     *Events
}

// New creates an empty Store.
func New() *Store {
	d := &db{
		agents:     make(map[string]*agent.Agent),
		tokens:     make(map[string]*tokenRow),
		keys:       make(map[string]*keyRow),
		jobs:       make(map[string]*job.Job),
		signatures: make(map[string]signatureRow),
		runs:       make(map[string]time.Time),
		features:   make(map[string]quota.Feature),
		reports:    make(map[string]*reportRow),
	}
	return &Store{
		Agents:     &Agents{d},
		Keys:       &Keys{d},
		Jobs:       &Jobs{d},
		Signatures: &Signatures{d},
		Features:   &Features{d},
		Reports:    &Reports{d},
		Events:     &Events{d},
	}
}

func ptr[T any](v T) *T { return &v }
