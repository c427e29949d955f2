package graph

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// Render draws the plan as a tree from the root jobs down through their
// dependents. A job with several dependencies is expanded once; later
// occurrences are printed as references.
func Render(g *Graph, title string) string {
	tree := treeprint.NewWithRoot(title)
	expanded := make([]bool, g.Len())

	var add func(branch treeprint.Tree, i int)
	add = func(branch treeprint.Tree, i int) {
		label := g.label(i)
		if expanded[i] {
			branch.AddNode(label + " (see above)")
			return
		}
		expanded[i] = true
		if len(g.dependents[i]) == 0 {
			branch.AddNode(label)
			return
		}
		child := branch.AddBranch(label)
		for _, d := range g.dependents[i] {
			add(child, d)
		}
	}

	for _, r := range g.Roots() {
		add(tree, r)
	}
	return tree.String()
}

func (g *Graph) label(i int) string {
	job := g.jobs[i]
	label := fmt.Sprintf("%d. %s", g.rank[i]+1, job.ID)
	if job.Class != "" {
		label += " [" + string(job.Class) + "]"
	}
	if job.Command.Kind != "" {
		label += " <" + string(job.Command.Kind) + ">"
	}
	return label
}
