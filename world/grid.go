package world

import (
	"errors"
	"fmt"
)

// Tile 舞台上的一个格子，取值即其 ASCII 字形
type Tile byte

const (
	TileEmpty    Tile = ' '
	TileWall     Tile = '#'
	TilePlatform Tile = '='
	TileDiagUp   Tile = '/'
	TileDiagDown Tile = '\\'
)

// ErrOutOfBounds 坐标越界
var ErrOutOfBounds = errors.New("world: coordinates out of bounds")

// Valid 是否属于封闭字母表
func (t Tile) Valid() bool {
	switch t {
	case TileEmpty, TileWall, TilePlatform, TileDiagUp, TileDiagDown:
		return true
	}
	return false
}

// IsDiagonal 斜坡
func (t Tile) IsDiagonal() bool { return t == TileDiagUp || t == TileDiagDown }

// Grid 固定尺寸的二维格子，行优先存储
type Grid struct {
	width  int
	height int
	cells  []Tile
}

// NewGrid 创建全空的舞台
func NewGrid(width, height int) *Grid {
	if width <= 0 || height <= 0 {
		panic(fmt.Sprintf("world: invalid grid size %dx%d", width, height))
	}
	g := &Grid{width: width, height: height, cells: make([]Tile, width*height)}
	for i := range g.cells {
		g.cells[i] = TileEmpty
	}
	return g
}

func (g *Grid) Width() int  { return g.width }
func (g *Grid) Height() int { return g.height }

// InBounds 边界检查
func (g *Grid) InBounds(x, y int) bool {
	return x >= 0 && x < g.width && y >= 0 && y < g.height
}

// TileAt 读取格子
func (g *Grid) TileAt(x, y int) (Tile, error) {
	if !g.InBounds(x, y) {
		return TileEmpty, ErrOutOfBounds
	}
	return g.cells[y*g.width+x], nil
}

// SetTile 写入格子
func (g *Grid) SetTile(x, y int, t Tile) error {
	if !g.InBounds(x, y) {
		return ErrOutOfBounds
	}
	g.cells[y*g.width+x] = t
	return nil
}

// wrap 将坐标折回 [0,n)
func wrap(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

// ParseLayout 从逐行字符串构建舞台，所有行必须等宽且只含合法字形
func ParseLayout(rows []string) (*Grid, error) {
	if len(rows) == 0 {
		return nil, errors.New("world: empty layout")
	}
	width := len(rows[0])
	if width == 0 {
		return nil, errors.New("world: layout rows must not be empty")
	}
	g := NewGrid(width, len(rows))
	for y, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("world: layout row %d has width %d, want %d", y, len(row), width)
		}
		for x := 0; x < width; x++ {
			t := Tile(row[x])
			if !t.Valid() {
				return nil, fmt.Errorf("world: layout row %d col %d: unknown tile %q", y, x, row[x])
			}
			g.cells[y*width+x] = t
		}
	}
	return g, nil
}

// DefaultStage 80x20 默认舞台：四周墙壁，中间一道墙台与两层平台
func DefaultStage() *Grid {
	g := NewGrid(80, 20)
	for x := 0; x < 80; x++ {
		g.cells[x] = TileWall
		g.cells[19*80+x] = TileWall
	}
	for y := 0; y < 20; y++ {
		g.cells[y*80] = TileWall
		g.cells[y*80+79] = TileWall
	}
	for x := 10; x < 70; x++ {
		g.cells[16*80+x] = TileWall
	}
	for x := 20; x < 60; x++ {
		g.cells[14*80+x] = TilePlatform
	}
	for x := 30; x < 40; x++ {
		g.cells[12*80+x] = TilePlatform
	}
	return g
}
