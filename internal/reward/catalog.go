// Package reward holds the catalog of rewards spend tokens pay for.
package reward

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"pointbrew/internal/model"
)

type fileReward struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	PointsCost  int64  `yaml:"points_cost"`
	Active      *bool  `yaml:"active"`
}

type file struct {
	Rewards []fileReward `yaml:"rewards"`
}

// Catalog is read-only after construction and safe for concurrent use.
type Catalog struct {
	byID  map[string]model.Reward
	order []string
}

func NewCatalog(rewards ...model.Reward) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]model.Reward, len(rewards))}
	for _, r := range rewards {
		if r.ID == "" {
			return nil, errors.New("reward without id")
		}
		if _, dup := c.byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate reward %q", r.ID)
		}
		if r.PointsCost <= 0 {
			return nil, fmt.Errorf("reward %q: points_cost must be positive", r.ID)
		}
		c.byID[r.ID] = r
		c.order = append(c.order, r.ID)
	}
	return c, nil
}

// Default is the catalog served when no rewards file is configured.
func Default() *Catalog {
	c, _ := NewCatalog(
		model.Reward{ID: "1", Name: "Free Coffee", Description: "Any regular coffee drink", PointsCost: 100, Active: true},
		model.Reward{ID: "2", Name: "Coffee & Pastry", Description: "Regular coffee with any pastry", PointsCost: 200, Active: true},
		model.Reward{ID: "3", Name: "Premium Drink", Description: "Any specialty drink", PointsCost: 150, Active: true},
		model.Reward{ID: "4", Name: "Loyalty Tumbler", Description: "Branded reusable tumbler", PointsCost: 500, Active: true},
		model.Reward{ID: "5", Name: "Coffee Beans (250g)", Description: "Bag of house blend beans", PointsCost: 300, Active: true},
	)
	return c
}

func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rewards file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses the YAML catalog format:
//
//	rewards:
//	  - id: "1"
//	    name: Free Coffee
//	    points_cost: 100
//	    active: true
func Load(r io.Reader) (*Catalog, error) {
	var doc file
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode rewards: %w", err)
	}
	rewards := make([]model.Reward, 0, len(doc.Rewards))
	for _, fr := range doc.Rewards {
		rewards = append(rewards, model.Reward{
			ID:          fr.ID,
			Name:        fr.Name,
			Description: fr.Description,
			PointsCost:  fr.PointsCost,
			Active:      fr.Active == nil || *fr.Active,
		})
	}
	return NewCatalog(rewards...)
}

func (c *Catalog) Get(id string) (model.Reward, bool) {
	r, ok := c.byID[id]
	return r, ok
}

// Active lists redeemable rewards in catalog order.
func (c *Catalog) Active() []model.Reward {
	out := make([]model.Reward, 0, len(c.order))
	for _, id := range c.order {
		if r := c.byID[id]; r.Active {
			out = append(out, r)
		}
	}
	return out
}
