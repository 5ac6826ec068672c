package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/todosync/pkg/protocol"
)

// RenderItemsToSvg draws the item collection as a chain in list order, one
// node per item, with done items filled in. Handy for eyeballing what a
// replica or the record store holds at a point in time.
func RenderItemsToSvg(items []protocol.Item, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	graph.SetRankDir(cgraph.LRRank)

	var prev *cgraph.Node
	var edgeCounter int
	for _, item := range items {
		n, err := graph.CreateNode(item.ID.String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		state := "open"
		if item.Done {
			state = "done"
			n.SetStyle(cgraph.FilledNodeStyle)
		}
		n.SetShape(cgraph.BoxShape)
		n.SetLabel(fmt.Sprintf("%s\n%s [%s]", item.ID, item.Label, state))

		if prev != nil {
			edgeCounter++
			if _, err := graph.CreateEdge(fmt.Sprintf("e%d", edgeCounter), prev, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
		prev = n
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), os.ModePerm); err != nil {
		return fmt.Errorf("failed to write")
	}
	return nil
}

func RenderToTemp(items []protocol.Item) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderItemsToSvg(items, tf); err != nil {
		return "", err
	}
	return tf, nil
}
