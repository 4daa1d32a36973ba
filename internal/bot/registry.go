package bot

import (
	"context"
	"sort"
	"sync"
	"time"

	"elysium-grid-bot-go/internal/models"
)

// gridEntry 是注册表中的一项: 网格状态加上其监控协程的句柄
type gridEntry struct {
	state    *models.GridRuntimeState
	starting bool // StartGrid 正在进行中
	cancel   context.CancelFunc
	done     chan struct{}
}

// Registry 保存一个引擎实例已知的全部网格。
// 所有读写都在 mu 保护下进行, 持锁期间不做任何网关调用。
type Registry struct {
	mu    sync.Mutex
	grids map[string]*gridEntry
}

func NewRegistry() *Registry {
	return &Registry{grids: make(map[string]*gridEntry)}
}

// withGrid 在持锁状态下对指定网格执行 fn, 网格不存在时返回 ErrNotFound
func (r *Registry) withGrid(id string, fn func(e *gridEntry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.grids[id]
	if !ok {
		return ErrNotFound
	}
	return fn(e)
}

func (r *Registry) add(e *gridEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.grids[e.state.Definition.ID]; exists {
		return false
	}
	r.grids[e.state.Definition.ID] = e
	return true
}

// ids 返回当前所有网格ID的快照, 按创建时间排序
func (r *Registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	type item struct {
		id      string
		created time.Time
	}
	items := make([]item, 0, len(r.grids))
	for id, e := range r.grids {
		items = append(items, item{id, e.state.CreatedAt})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].created.Equal(items[j].created) {
			return items[i].id < items[j].id
		}
		return items[i].created.Before(items[j].created)
	})
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out
}

// removeInactive 删除所有已停止且不在启动或停止过程中的网格
func (r *Registry) removeInactive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, e := range r.grids {
		if e.state.Active || e.starting || e.state.Status == models.StatusStopping {
			continue
		}
		if e.cancel != nil {
			e.cancel()
		}
		delete(r.grids, id)
		removed = append(removed, id)
	}
	sort.Strings(removed)
	return removed
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	x := *t
	return &x
}
