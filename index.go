package main

import "net/http"

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>Classroom Relay</title>
<meta name="description" content="Real-time relay for classroom devices, subjects and file delivery">
<style>
*{margin:0;padding:0;box-sizing:border-box}
:root{--bg:#191919;--card:#242424;--border:#333;--fg:#e5e5e5;--muted:#737373;--radius:6px}
body{font-family:system-ui,-apple-system,'Segoe UI',Roboto,Helvetica,Arial,sans-serif;background:var(--bg);color:var(--fg);min-height:100vh;display:flex;align-items:center;justify-content:center;padding:24px}
.container{width:100%;max-width:400px;display:flex;flex-direction:column;gap:24px}
.title{font-size:16px;font-weight:600;text-align:center}
.subtitle{font-size:11px;color:var(--muted);text-align:center;line-height:1.6}
.card{background:var(--card);border:1px solid var(--border);border-radius:var(--radius)}
.card-row{display:flex;justify-content:space-between;padding:10px 14px;border-bottom:1px solid var(--border)}
.card-row:last-child{border-bottom:none}
.card-label{font-size:11px;color:var(--muted);text-transform:uppercase;letter-spacing:0.04em}
.card-value{font-size:12px;font-family:'SF Mono',Monaco,Consolas,monospace}
.ok{color:#4ade80}
.err{color:#f87171}
</style>
</head>
<body>
<div class="container">
<div>
<div class="title">Classroom Relay</div>
<div class="subtitle">Device and subject rooms, control relays and chunked file delivery over WebSocket.</div>
</div>

<div class="card">
<div class="card-row"><span class="card-label">Status</span><span id="status" class="card-value">Checking</span></div>
<div class="card-row"><span class="card-label">Connections</span><span id="connections" class="card-value">-</span></div>
<div class="card-row"><span class="card-label">Rooms</span><span id="rooms" class="card-value">-</span></div>
<div class="card-row"><span class="card-label">Transfers</span><span id="transfers" class="card-value">-</span></div>
</div>

<div class="card">
<div class="card-row"><span class="card-label">GET</span><span class="card-value">/health</span></div>
<div class="card-row"><span class="card-label">WS</span><span class="card-value">/ws</span></div>
<div class="card-row"><span class="card-label">GET</span><span class="card-value">/metrics</span></div>
</div>
</div>
<script>
(function(){
var s=document.getElementById('status');
function set(id,v){document.getElementById(id).textContent=v}
function check(){
fetch('/health').then(function(r){return r.json()}).then(function(j){
if(j.status!=='ok'){fail();return}
s.className='card-value ok';s.textContent='Online';
set('connections',j.connections);set('rooms',j.rooms);set('transfers',j.transfers);
}).catch(fail);
}
function fail(){s.className='card-value err';s.textContent='Offline'}
check();setInterval(check,10000);
})();
</script>
</body>
</html>`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write([]byte(indexHTML))
}
