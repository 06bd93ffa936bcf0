// Package telnet 实现每个连接上的 Telnet 选项协商与按键解码。
package telnet

import "strconv"

// Telnet 协议常量（RFC 854/857/1073/1184）
const (
	IAC  byte = 255 // Interpret As Command
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250 // Subnegotiation Begin
	SE   byte = 240 // Subnegotiation End

	OptEcho     byte = 1
	OptNAWS     byte = 31
	OptLinemode byte = 34

	LinemodeMode byte = 1 // LINEMODE 子协商中的 MODE 命令

	ETX byte = 3 // Ctrl-C
)

// ANSI 控制序列
const (
	CSI         = "\x1b["
	ClearScreen = CSI + "2J"
	CursorHome  = CSI + "1;1H"
	HideCursor  = CSI + "?25l"
	ShowCursor  = CSI + "?25h"
	CRLF        = "\r\n"
)

// Handshake 连接建立时服务端主动发出的协商：
// 我来回显、请报告窗口大小、请使用字符模式（强制 MODE 0）
func Handshake() []byte {
	return []byte{
		IAC, WILL, OptEcho,
		IAC, DO, OptNAWS,
		IAC, DO, OptLinemode,
		IAC, SB, OptLinemode, LinemodeMode, 0, IAC, SE,
	}
}

// OptionName 选项的可读名称
func OptionName(opt byte) string {
	switch opt {
	case OptEcho:
		return "ECHO"
	case OptNAWS:
		return "NAWS"
	case OptLinemode:
		return "LINEMODE"
	}
	return "option " + strconv.Itoa(int(opt))
}
