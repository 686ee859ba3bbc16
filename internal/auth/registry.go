package auth

import (
	"sort"

	"github.com/hitoshi/medlink/internal/model"
)

// Registry は設定済みのプロバイダーを名前で保持する。
type Registry struct {
	providers map[model.Provider]Provider
}

// NewRegistry はRegistryを生成する。同名のプロバイダーは後のものが優先される。
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[model.Provider]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

// Get は指定名のプロバイダーを返す。
func (r *Registry) Get(name model.Provider) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names は設定済みのプロバイダー名を昇順で返す。
func (r *Registry) Names() []model.Provider {
	names := make([]model.Provider, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
