// Package camerasink turns a continuous native video stream into
// application-visible image buffers.
//
// # Philosophy
//
// "Latest frame wins, layout changes are rare."
//
// A camera source overwrites its frame slot at capture rate. The consumer
// (a dashboard tile, a recorder, an inference worker) asks for the next frame
// when it is ready, never queues, and tolerates timeouts as a normal outcome.
// The memory layout of frames almost never changes, so the view over the
// source buffer is built once and reused until the resolution, pixel format
// or buffer identity moves.
//
// # Architecture
//
//	Source (mailbox / GStreamer) → Handle (metadata, generation) → View Cache → Image
//	     RequestNext (bounded)         fingerprint compare            CopyTo (owned)
//
// Views are non-owning and carry the generation of the request that produced
// them; reading a view after the next request returns ErrStaleView instead of
// touching a recycled buffer.
//
// # Basic Usage
//
//	src := camerasink.NewMailbox()
//	sink, err := camerasink.New(src, camerasink.Config{Name: "front"})
//	if err != nil {
//	    return err
//	}
//	defer sink.Close()
//
//	var img camerasink.Image
//	for {
//	    ts := sink.Grab(&img) // waits up to 225ms
//	    if ts == 0 {
//	        if errors.Is(sink.Err(), camerasink.ErrClosed) {
//	            return nil
//	        }
//	        continue // timeout or transient source error
//	    }
//	    render(img.Pix, img.Width, img.Height)
//	}
//
// # Thread Safety
//
// Grab, GrabTimeout and GrabNoTimeout are driven by one goroutine per sink.
// Close may be called from any goroutine: it interrupts a blocked grab,
// waits for an in-flight copy and then releases the sink.
package camerasink
