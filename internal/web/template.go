package web

import (
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/sweeney/ecucore/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": formatUptime,
	"syncClass": func(s string) string {
		return "sync-" + strings.ToLower(s)
	},
}).Parse(indexHTML))

// formatUptime renders d as "[Nd ]hh:mm:ss".
func formatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	days := secs / 86400
	clock := fmt.Sprintf("%02d:%02d:%02d", secs/3600%24, secs/60%60, secs%60)
	if days > 0 {
		return fmt.Sprintf("%dd %s", days, clock)
	}
	return clock
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>ECU Core</title>
<style>
:root { --bg: #111; --fg: #ddd; --dim: #777; --ok: #3c3; --warn: #e90; --bad: #e33; }
body { background: var(--bg); color: var(--fg); font: 14px/1.4 ui-monospace, monospace; max-width: 720px; margin: 1.5em auto; padding: 0 1em; }
header { display: flex; align-items: center; gap: 0.6em; }
header h1 { font-size: 1.3em; margin: 0; }
.gauges { display: grid; grid-template-columns: repeat(3, 1fr); gap: 0.8em; margin: 1em 0; }
.gauge { border: 1px solid #333; padding: 0.6em; text-align: center; }
.gauge b { display: block; font-size: 2em; }
.gauge span { color: var(--dim); font-size: 0.8em; text-transform: uppercase; }
section table { width: 100%; border-collapse: collapse; }
section td, section th { padding: 3px 6px; text-align: left; border-bottom: 1px solid #222; }
section th { color: var(--dim); font-weight: normal; width: 45%; }
.sync-full, .up { color: var(--ok); }
.sync-half { color: var(--warn); }
.sync-none, .down { color: var(--bad); }
#live { width: 10px; height: 10px; border-radius: 50%; background: var(--warn); }
#live.live { background: var(--ok); }
#live.dead { background: var(--bad); }
a { color: var(--dim); }
</style>
</head>
<body>
<header><h1>ECU Core</h1><div id="live" title="connecting"></div></header>

<div class="gauges">
<div class="gauge"><b id="rpm">{{.Engine.Decoder.RPM}}</b><span>rpm</span></div>
<div class="gauge"><b id="angle">{{.Engine.CrankAngle}}</b><span>crank deg</span></div>
<div class="gauge"><b id="sync" class="{{syncClass .Sync}}">{{.Sync}}</b><span>sync</span></div>
</div>

<section>
<table>
<tr><th>Outputs</th><td id="cut">{{if .Engine.Cut}}cut{{else}}enabled{{end}}</td></tr>
<tr><th>Sync losses</th><td id="sync-losses">{{.Engine.Decoder.SyncLossCounter}}</td></tr>
<tr><th>Stalls</th><td id="stalls">{{.Engine.Decoder.StallCount}}</td></tr>
<tr><th>Overruns</th><td id="overruns">{{.Engine.Overruns}}</td></tr>
{{range .Engine.Channels}}<tr><th>{{.Name}} ({{.Kind}})</th><td>{{.Status}}</td></tr>
{{end}}</table>
</section>

<section>
<table>
<tr><th>Trigger</th><td>{{.Config.Pattern}} {{.Config.Teeth}}{{if .Config.MissingTeeth}}-{{.Config.MissingTeeth}}{{end}}{{if .Config.Sequential}} sequential{{end}}</td></tr>
<tr><th>Timer width</th><td>{{.Config.TimerBits}} bit</td></tr>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}up{{else}}down{{end}}">{{.Config.Broker}}</td></tr>
{{with .Network}}<tr><th>Network</th><td>{{.IP}} {{.Type}}{{if .SSID}} {{.SSID}}{{end}} ({{.Status}})</td></tr>{{end}}
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
<tr><th>Heartbeat</th><td>{{if .Config.HeartbeatMs}}{{.Config.HeartbeatMs}} ms{{else}}off{{end}}</td></tr>
<tr><th>Up since</th><td>{{.StartTime.UTC.Format "2006-01-02 15:04:05"}} UTC ({{uptime .Uptime}})</td></tr>
</table>
</section>

<p><a href="/index.json">index.json</a></p>
<script>
(function() {
  var live = document.getElementById("live");
  var ids = {rpm: "rpm", crank_angle: "angle", overruns: "overruns"};

  function open() {
    var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
    ws.onopen = function() { live.className = "live"; live.title = "live"; };
    ws.onclose = function() {
      live.className = "dead";
      live.title = "reconnecting";
      setTimeout(open, 5000);
    };
    ws.onmessage = function(e) {
      var s;
      try { s = JSON.parse(e.data).status; } catch (err) { return; }
      for (var k in ids) document.getElementById(ids[k]).textContent = s[k];
      var sync = document.getElementById("sync");
      sync.textContent = s.sync;
      sync.className = "sync-" + s.sync.toLowerCase();
      document.getElementById("cut").textContent = s.cut ? "cut" : "enabled";
      document.getElementById("sync-losses").textContent = s.decoder.sync_losses;
      document.getElementById("stalls").textContent = s.decoder.stalls;
    };
  }
  open();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Sync   string
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Sync:     status.SyncState(snap),
	}
	indexTmpl.Execute(w, data)
}
