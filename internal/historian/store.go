package historian

import (
	"errors"
	"sync"
)

var (
	ErrViewNotFound    = errors.New("historian: view not found")
	ErrDatasetNotFound = errors.New("historian: dataset not found")
)

// Dataset is one named tag collection under a view. Hidden datasets are
// omitted from listings unless the caller asks for them.
type Dataset struct {
	Name   string
	Hidden bool
	Tags   []string
}

// View is one named dataset grouping in the catalog.
type View struct {
	Name     string
	Datasets []Dataset
}

// Catalog holds the browsable view/dataset/tag hierarchy. Listing order is
// insertion order, matching what operators configured.
type Catalog struct {
	mu    sync.RWMutex
	views []*viewState
}

type viewState struct {
	name     string
	datasets []*datasetState
}

type datasetState struct {
	name   string
	hidden bool
	tags   []string
}

func NewCatalog() *Catalog {
	return &Catalog{views: make([]*viewState, 0)}
}

// Load replaces the catalog contents with the given views.
func (c *Catalog) Load(views []View) {
	next := make([]*viewState, 0, len(views))
	for _, v := range views {
		vs := &viewState{name: v.Name, datasets: make([]*datasetState, 0, len(v.Datasets))}
		for _, d := range v.Datasets {
			tags := make([]string, len(d.Tags))
			copy(tags, d.Tags)
			vs.datasets = append(vs.datasets, &datasetState{name: d.Name, hidden: d.Hidden, tags: tags})
		}
		next = append(next, vs)
	}
	c.mu.Lock()
	c.views = next
	c.mu.Unlock()
}

// Views returns all view names in catalog order.
func (c *Catalog) Views() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.views))
	for _, v := range c.views {
		out = append(out, v.name)
	}
	return out
}

// Datasets returns dataset names under one view. Hidden datasets appear
// only when includeHidden is set.
func (c *Catalog) Datasets(view string, includeHidden bool) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vs, ok := c.findView(view)
	if !ok {
		return nil, ErrViewNotFound
	}
	out := make([]string, 0, len(vs.datasets))
	for _, d := range vs.datasets {
		if d.hidden && !includeHidden {
			continue
		}
		out = append(out, d.name)
	}
	return out, nil
}

// Tags returns a window of tag names under one dataset. An offset at or
// past the end yields an empty window. maxCount zero means the rest of the
// list.
func (c *Catalog) Tags(view, dataset string, offset, maxCount uint32) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vs, ok := c.findView(view)
	if !ok {
		return nil, ErrViewNotFound
	}
	var ds *datasetState
	for _, d := range vs.datasets {
		if d.name == dataset {
			ds = d
			break
		}
	}
	if ds == nil {
		return nil, ErrDatasetNotFound
	}

	n := uint32(len(ds.tags))
	if offset >= n {
		return []string{}, nil
	}
	end := n
	if maxCount > 0 && offset+maxCount < n {
		end = offset + maxCount
	}
	out := make([]string, end-offset)
	copy(out, ds.tags[offset:end])
	return out, nil
}

// Snapshot returns a deep copy of the catalog for the admin surface.
func (c *Catalog) Snapshot() []View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]View, 0, len(c.views))
	for _, vs := range c.views {
		v := View{Name: vs.name, Datasets: make([]Dataset, 0, len(vs.datasets))}
		for _, ds := range vs.datasets {
			tags := make([]string, len(ds.tags))
			copy(tags, ds.tags)
			v.Datasets = append(v.Datasets, Dataset{Name: ds.name, Hidden: ds.hidden, Tags: tags})
		}
		out = append(out, v)
	}
	return out
}

func (c *Catalog) findView(name string) (*viewState, bool) {
	for _, v := range c.views {
		if v.name == name {
			return v, true
		}
	}
	return nil, false
}
