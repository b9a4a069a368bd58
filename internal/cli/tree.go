package cli

import "strings"

// TreeLines renders slash-delimited key paths as an indented tree, one line
// per node. Paths sharing a leading segment are grouped under it; sibling
// order follows first appearance in paths.
func TreeLines(paths []string) []string {
	root := &treeNode{}
	for _, path := range paths {
		root.insert(strings.Split(path, "/"))
	}

	var lines []string
	for _, child := range root.children {
		child.render(&lines, "", "")
	}
	return lines
}

type treeNode struct {
	name     string
	children []*treeNode
}

func (n *treeNode) insert(segments []string) {
	if len(segments) == 0 {
		return
	}
	head := segments[0]
	var child *treeNode
	for _, c := range n.children {
		if c.name == head {
			child = c
			break
		}
	}
	if child == nil {
		child = &treeNode{name: head}
		n.children = append(n.children, child)
	}
	child.insert(segments[1:])
}

func (n *treeNode) render(lines *[]string, prefix, childPrefix string) {
	*lines = append(*lines, prefix+n.name)
	for i, c := range n.children {
		if i == len(n.children)-1 {
			c.render(lines, childPrefix+"└── ", childPrefix+"    ")
		} else {
			c.render(lines, childPrefix+"├── ", childPrefix+"│   ")
		}
	}
}
