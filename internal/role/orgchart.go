package role

// OwnerNodeID 是组织图中代表人类所有者的虚拟节点。
const OwnerNodeID = "owner"

// Member 是挂在某个角色下的智能体。
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OrgNode 是组织图中的一个节点。
type OrgNode struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Kind     string    `json:"kind"`
	Members  []Member  `json:"members,omitempty"`
	Children []OrgNode `json:"children,omitempty"`
}

// OrgChart 以所有者为根，按汇报关系展开角色树，members 按角色分组挂载智能体。
func (g *Graph) OrgChart(owner string, members map[ID][]Member) OrgNode {
	if owner == "" {
		owner = "Owner"
	}
	root := OrgNode{ID: OwnerNodeID, Title: owner, Kind: "human"}
	if g == nil || g.root == "" {
		return root
	}
	root.Children = []OrgNode{g.orgNode(g.root, members)}
	return root
}

func (g *Graph) orgNode(id ID, members map[ID][]Member) OrgNode {
	r := g.roles[id]
	node := OrgNode{
		ID:      string(id),
		Title:   r.Title,
		Kind:    "role",
		Members: append([]Member(nil), members[id]...),
	}
	for _, child := range g.Reports(id) {
		node.Children = append(node.Children, g.orgNode(child, members))
	}
	return node
}
