package world

const (
	GlyphPlayer byte = 'o'
	GlyphWand   byte = '*'
)

// Render 纯函数：复制舞台，叠加玩家与瞄准标记，可选叠加装饰边框。
// 结果为 height 行、每行 width 字节，行优先连续存放；越界的瞄准标记直接跳过。
func Render(dst []byte, g *Grid, players []Player, border bool) []byte {
	n := g.width * g.height
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, t := range g.cells {
		dst[i] = byte(t)
	}
	for _, p := range players {
		if g.InBounds(p.X, p.Y) {
			dst[p.Y*g.width+p.X] = GlyphPlayer
		}
		wx, wy := p.X+p.WandX, p.Y+p.WandY
		if g.InBounds(wx, wy) {
			dst[wy*g.width+wx] = GlyphWand
		}
	}
	if border {
		drawBorder(dst, g.width, g.height)
	}
	return dst
}

func drawBorder(buf []byte, width, height int) {
	for x := 0; x < width; x++ {
		buf[x] = '-'
		buf[(height-1)*width+x] = '-'
	}
	for y := 0; y < height; y++ {
		buf[y*width] = '|'
		buf[y*width+width-1] = '|'
	}
	buf[0] = '+'
	buf[width-1] = '+'
	buf[(height-1)*width] = '+'
	buf[height*width-1] = '+'
}

// Row 取出帧中的第 y 行
func Row(frame []byte, width, y int) []byte {
	return frame[y*width : (y+1)*width]
}
