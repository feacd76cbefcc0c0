package querygraph

import (
	"testing"

	"github.com/n9te9/federation-engine/federation/graph"
)

func TestBuildFromSubgraphsCrossSubgraphKeyEdge(t *testing.T) {
	productSDL := []byte(`
		type Product @key(fields: "id") {
			id: ID!
			name: String!
		}
	`)
	reviewsSDL := []byte(`
		type Product @key(fields: "id") {
			id: ID! @external
			price: Int!
		}
	`)

	productSG, err := graph.NewSubGraphV2("products", productSDL, "http://products")
	if err != nil {
		t.Fatalf("parse products: %v", err)
	}
	reviewsSG, err := graph.NewSubGraphV2("reviews", reviewsSDL, "http://reviews")
	if err != nil {
		t.Fatalf("parse reviews: %v", err)
	}

	g := BuildFromSubgraphs([]*graph.SubGraphV2{productSG, reviewsSG})

	productsNode := Node{Subgraph: "products", Type: "Product"}
	if !g.Has(productsNode) {
		t.Fatalf("expected products:Product node to exist")
	}

	hasKeyEdge := false
	for _, e := range g.Edges(productsNode) {
		if e.Kind == KeyEdge && e.To.Subgraph == "reviews" {
			hasKeyEdge = true
		}
	}
	if !hasKeyEdge {
		t.Fatalf("expected a KeyEdge from products to reviews for shared entity Product")
	}
}
