package telnet

import (
	"errors"
	"fmt"
)

var (
	// ErrNegotiation 对端拒绝了必需的选项
	ErrNegotiation = errors.New("telnet: negotiation failed")
	// ErrMalformed NAWS 子协商格式错误
	ErrMalformed = errors.New("telnet: malformed subnegotiation")
	// ErrInterrupt 用户按下 Ctrl-C
	ErrInterrupt = errors.New("telnet: interrupt")
)

// NegotiationError 记录被拒绝的选项
type NegotiationError struct {
	Option byte
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("telnet: could not negotiate %s", OptionName(e.Option))
}

func (e *NegotiationError) Unwrap() error { return ErrNegotiation }

// Message 发送给客户端的失败提示
func (e *NegotiationError) Message() string {
	return "Could not negotiate " + OptionName(e.Option) + "."
}

// State 解码状态机的状态
type State int

const (
	AwaitByte State = iota
	SawEscape
	SawNegotiationVerb
	InSubnegotiation
	AwaitNAWSPayload
	ConnectionClosed
	NegotiationFailed
)

func (s State) String() string {
	switch s {
	case AwaitByte:
		return "AwaitByte"
	case SawEscape:
		return "SawEscape"
	case SawNegotiationVerb:
		return "SawNegotiationVerb"
	case InSubnegotiation:
		return "InSubnegotiation"
	case AwaitNAWSPayload:
		return "AwaitNAWSPayload"
	case ConnectionClosed:
		return "ConnectionClosed"
	case NegotiationFailed:
		return "NegotiationFailed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// EventKind 解码一个字节后的结果类型
type EventKind int

const (
	EventNone   EventKind = iota
	EventKey              // 应用层按键
	EventResize           // 收到 NAWS 窗口尺寸
	EventReply            // 需要回写给对端的协商字节
)

// Event 解码结果
type Event struct {
	Kind   EventKind
	Key    byte
	Width  int
	Height int
	Reply  []byte
}

// Decoder 单个连接的协商状态机，一次喂一个字节；只由连接自己的协程使用
type Decoder struct {
	state State
	verb  byte

	nawsBuf [4]byte
	nawsLen int
	sawIAC  bool // 子协商中刚读到 IAC

	minWidth  int
	minHeight int

	Echo     bool
	Linemode bool
	NAWS     bool
	Width    int
	Height   int
}

// NewDecoder 按键只有在终端尺寸不小于 minWidth×minHeight 后才会转发
func NewDecoder(minWidth, minHeight int) *Decoder {
	return &Decoder{minWidth: minWidth, minHeight: minHeight}
}

func (d *Decoder) State() State { return d.state }

// Negotiated 三个选项都已被对端接受
func (d *Decoder) Negotiated() bool { return d.Echo && d.Linemode && d.NAWS }

// SizeOK 终端尺寸已知且足够大
func (d *Decoder) SizeOK() bool {
	return d.Width >= d.minWidth && d.Height >= d.minHeight && d.Width > 0 && d.Height > 0
}

// Ready 协商完成且尺寸满足，可以开始游戏
func (d *Decoder) Ready() bool { return d.Negotiated() && d.SizeOK() }

// Feed 推进状态机。进入终止状态后返回的错误会一直保持。
func (d *Decoder) Feed(b byte) (Event, error) {
	switch d.state {
	case ConnectionClosed:
		return Event{}, ErrInterrupt
	case NegotiationFailed:
		return Event{}, ErrNegotiation

	case AwaitByte:
		switch {
		case b == IAC:
			d.state = SawEscape
		case b == ETX:
			d.state = ConnectionClosed
			return Event{}, ErrInterrupt
		case d.SizeOK():
			return Event{Kind: EventKey, Key: b}, nil
		}
		return Event{}, nil

	case SawEscape:
		switch b {
		case WILL, WONT, DO, DONT, SB:
			d.verb = b
			d.state = SawNegotiationVerb
		case IAC:
			// IAC IAC 是转义的数据字节 255
			d.state = AwaitByte
			if d.SizeOK() {
				return Event{Kind: EventKey, Key: IAC}, nil
			}
		default:
			// NOP、GA 等其他命令在字符模式下没有意义，丢弃
			d.state = AwaitByte
		}
		return Event{}, nil

	case SawNegotiationVerb:
		if d.verb == SB {
			d.sawIAC = false
			if b == OptNAWS {
				d.nawsLen = 0
				d.state = AwaitNAWSPayload
			} else {
				d.state = InSubnegotiation
			}
			return Event{}, nil
		}
		d.state = AwaitByte
		return d.negotiate(d.verb, b)

	case InSubnegotiation:
		if d.sawIAC {
			d.sawIAC = false
			if b == SE {
				d.state = AwaitByte
			}
			return Event{}, nil
		}
		d.sawIAC = b == IAC
		return Event{}, nil

	case AwaitNAWSPayload:
		return d.feedNAWS(b)
	}
	return Event{}, nil
}

func (d *Decoder) negotiate(verb, opt byte) (Event, error) {
	switch verb {
	case WILL:
		switch opt {
		case OptLinemode:
			d.Linemode = true
		case OptNAWS:
			d.NAWS = true
		default:
			return Event{Kind: EventReply, Reply: []byte{IAC, DONT, opt}}, nil
		}
	case WONT:
		if opt == OptLinemode || opt == OptNAWS {
			return d.fail(opt)
		}
	case DO:
		if opt == OptEcho {
			d.Echo = true
			return Event{}, nil
		}
		return Event{Kind: EventReply, Reply: []byte{IAC, WONT, opt}}, nil
	case DONT:
		if opt == OptEcho {
			return d.fail(opt)
		}
	}
	return Event{}, nil
}

func (d *Decoder) fail(opt byte) (Event, error) {
	d.state = NegotiationFailed
	return Event{}, &NegotiationError{Option: opt}
}

// feedNAWS 两个 16 位大端字段（宽、高），IAC SE 结束；负载中的 IAC IAC 表示字节 255
func (d *Decoder) feedNAWS(b byte) (Event, error) {
	if d.sawIAC {
		d.sawIAC = false
		switch {
		case b == IAC && d.nawsLen < len(d.nawsBuf):
			d.nawsBuf[d.nawsLen] = IAC
			d.nawsLen++
			return Event{}, nil
		case b == SE && d.nawsLen == len(d.nawsBuf):
			d.Width = int(d.nawsBuf[0])<<8 | int(d.nawsBuf[1])
			d.Height = int(d.nawsBuf[2])<<8 | int(d.nawsBuf[3])
			d.state = AwaitByte
			return Event{Kind: EventResize, Width: d.Width, Height: d.Height}, nil
		}
		d.state = NegotiationFailed
		return Event{}, fmt.Errorf("%w: NAWS terminator", ErrMalformed)
	}
	if b == IAC {
		d.sawIAC = true
		return Event{}, nil
	}
	if d.nawsLen == len(d.nawsBuf) {
		d.state = NegotiationFailed
		return Event{}, fmt.Errorf("%w: NAWS payload too long", ErrMalformed)
	}
	d.nawsBuf[d.nawsLen] = b
	d.nawsLen++
	return Event{}, nil
}
