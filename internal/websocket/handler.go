package websocket

// ServeClient runs c until the peer goes away. The write pump runs in its own
// goroutine; the read pump runs in the caller's, which fiber's websocket
// handler requires.
func ServeClient(c *Client) {
	go c.writePump()
	c.readPump()
}
