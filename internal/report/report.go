// Package report 提供路由器状态报告的生成器。
//
// 各组件通过 Report(*Generator) 回调向生成器写入节点和属性，
// 生成器最终得到一棵节点树，可编码为 JSON 输出或持久化。
package report

import (
	"encoding/json"
	"strings"
	"time"
)

// Attr 节点属性
type Attr struct {
	Key   string
	Value any
}

// Node 报告节点
type Node struct {
	Name     string
	Attrs    []Attr
	Children []*Node
}

// Attr 按键查找属性
func (n *Node) Attr(key string) (any, bool) {
	for _, a := range n.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return nil, false
}

// Child 查找第一个同名子节点
func (n *Node) Child(name string) (*Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Find 按路径查找节点，路径以 "/" 分隔
func (n *Node) Find(path string) (*Node, bool) {
	cur := n
	for _, name := range strings.Split(path, "/") {
		next, ok := cur.Child(name)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// MarshalJSON 编码为 {"name":...,"attrs":{...},"children":[...]}
func (n *Node) MarshalJSON() ([]byte, error) {
	type attrsObject map[string]any
	out := struct {
		Name     string      `json:"name"`
		Attrs    attrsObject `json:"attrs,omitempty"`
		Children []*Node     `json:"children,omitempty"`
	}{Name: n.Name, Children: n.Children}
	if len(n.Attrs) > 0 {
		out.Attrs = make(attrsObject, len(n.Attrs))
		for _, a := range n.Attrs {
			out.Attrs[a.Key] = a.Value
		}
	}
	return json.Marshal(out)
}

// Generator 报告生成器
type Generator struct {
	root  *Node
	stack []*Node
	at    time.Time
}

// NewGenerator 创建以 name 为根节点的生成器
func NewGenerator(name string, at time.Time) *Generator {
	root := &Node{Name: name}
	return &Generator{root: root, stack: []*Node{root}, at: at}
}

// Node 在当前节点下创建子节点，并在 fn 执行期间把它作为当前节点
func (g *Generator) Node(name string, fn func()) {
	n := &Node{Name: name}
	cur := g.stack[len(g.stack)-1]
	cur.Children = append(cur.Children, n)
	g.stack = append(g.stack, n)
	if fn != nil {
		fn()
	}
	g.stack = g.stack[:len(g.stack)-1]
}

// Attr 为当前节点添加属性
func (g *Generator) Attr(key string, value any) {
	cur := g.stack[len(g.stack)-1]
	cur.Attrs = append(cur.Attrs, Attr{Key: key, Value: value})
}

// Root 根节点
func (g *Generator) Root() *Node { return g.root }

// Time 报告生成时刻
func (g *Generator) Time() time.Time { return g.at }

// JSON 编码整棵报告树
func (g *Generator) JSON(indent bool) ([]byte, error) {
	if indent {
		return json.MarshalIndent(g.root, "", "  ")
	}
	return json.Marshal(g.root)
}
