package server

import (
	"fmt"
	"net/http"
)

// handleGlobalJS serves the tracking script
func (s *Server) handleGlobalJS(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	serverURL := fmt.Sprintf("%s://%s", scheme, r.Host)

	script := GenerateGlobalScript(serverURL)

	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Write([]byte(script))
}

// GenerateGlobalScript generates the fg.js tracking script for serverURL.
//
// The script tag carries data-fg-funnel, data-fg-page and optionally
// data-fg-tenant. Elements marked data-fg-variant="B" are only shown to
// visitors of variant B; clicks on data-fg-convert elements record a
// conversion worth data-fg-value.
func GenerateGlobalScript(serverURL string) string {
	return fmt.Sprintf(`(function(){
  var S='%s';
  var tag=document.currentScript||document.querySelector('script[data-fg-funnel]');
  if(!tag)return;
  var funnel=tag.dataset.fgFunnel, page=tag.dataset.fgPage||location.pathname;
  var headers={'Content-Type':'application/json'};
  if(tag.dataset.fgTenant)headers['X-Tenant-ID']=tag.dataset.fgTenant;

  // Get or create visitor ID
  var vid=localStorage.getItem('fg_vid');
  if(!vid){
    vid=crypto.randomUUID();
    localStorage.setItem('fg_vid',vid);
  }
  var sidKey='fg_sid_'+funnel;

  function post(path,body){
    return fetch(S+path,{method:'POST',headers:headers,body:JSON.stringify(body),keepalive:true})
      .then(function(r){return r.ok?r.json():null;})
      .catch(function(){return null;});
  }

  function apply(actions){
    (actions||[]).forEach(function(a){
      var el=a.element_id&&document.getElementById(a.element_id);
      if(a.type==='show_element'&&el)el.hidden=false;
      if(a.type==='hide_element'&&el)el.hidden=true;
      if(a.type==='redirect'&&a.url)location.href=a.url;
      if(a.type==='show_popup'&&a.popup_id){
        var p=document.getElementById(a.popup_id);
        if(p)setTimeout(function(){p.hidden=false;},(a.delay_seconds||0)*1000);
      }
    });
  }

  function track(type,opts){
    var sid=sessionStorage.getItem(sidKey);
    if(!sid)return Promise.resolve(null);
    opts=opts||{};
    return post('/v1/sessions/'+sid+'/events',{
      type:type,page_id:opts.page||page,element_id:opts.element,payload:opts.payload,
      is_conversion:!!opts.conversion,conversion_value:opts.value||0
    });
  }

  post('/v1/visits',{
    funnel_id:funnel,page_id:page,session_id:sessionStorage.getItem(sidKey)||'',
    visitor:{
      visitor_id:vid,referrer:document.referrer,
      utm_source:new URLSearchParams(location.search).get('utm_source')||'',
      utm_medium:new URLSearchParams(location.search).get('utm_medium')||'',
      utm_campaign:new URLSearchParams(location.search).get('utm_campaign')||''
    }
  }).then(function(res){
    if(!res)return;
    sessionStorage.setItem(sidKey,res.session.id);
    var key=res.variant?res.variant.key:'';
    document.querySelectorAll('[data-fg-variant]').forEach(function(el){
      el.hidden=el.dataset.fgVariant!==key;
    });
    apply(res.actions);
  });

  document.querySelectorAll('[data-fg-convert]').forEach(function(el){
    el.addEventListener('click',function(){
      track('click',{element:el.id,conversion:true,value:parseFloat(el.dataset.fgValue||'0')});
    });
  });

  window.fgt={track:track};
})();`, serverURL)
}
